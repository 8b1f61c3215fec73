package tui

import (
	"strings"
	"testing"

	"github.com/turncast/turncast/internal/rebuild"
)

func TestRenderProgress(t *testing.T) {
	r := rebuild.Report{ToolsTotal: 3, ToolsCompleted: 2, ToolsRunning: 1, Percent: 66.7}
	line := RenderProgress(r)
	if !strings.Contains(line, "tools 2/3") {
		t.Errorf("line = %q", line)
	}
	if strings.Contains(line, "failed") {
		t.Errorf("no failures expected: %q", line)
	}

	r.ToolsErrored = 1
	if line := RenderProgress(r); !strings.Contains(line, "1 failed") {
		t.Errorf("line = %q", line)
	}
}

func TestRenderProgressNoTools(t *testing.T) {
	if line := RenderProgress(rebuild.Report{}); line != "" {
		t.Errorf("line = %q, want empty", line)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 20); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncate(strings.Repeat("x", 50), 10)
	if !strings.HasSuffix(got, "...") || len(got) > 13 {
		t.Errorf("got %q", got)
	}
}
