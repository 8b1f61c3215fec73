package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"

	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/rebuild"
)

// Shared glamour renderer (created lazily)
var (
	rendererMu          sync.Mutex
	sharedRenderer      *glamour.TermRenderer
	sharedRendererWidth int
)

func getRenderer(width int) *glamour.TermRenderer {
	rendererMu.Lock()
	defer rendererMu.Unlock()
	if sharedRenderer == nil || sharedRendererWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			sharedRenderer = r
			sharedRendererWidth = width
		}
	}
	return sharedRenderer
}

var (
	thinkingLabel = lipgloss.NewStyle().Faint(true).Italic(true)
	thinkingBody  = lipgloss.NewStyle().Faint(true)
	toolLabel     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	toolOK        = lipgloss.NewStyle().Foreground(lipgloss.Color("#7fcc5a"))
	toolErr       = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6b6b"))
	toolRunning   = lipgloss.NewStyle().Faint(true)
	diagStyle     = lipgloss.NewStyle().Faint(true).Italic(true)
)

// RenderSnapshot converts reconstructed turn state into a styled string for
// the viewport. Blocks render in slot order, which is the upstream's original
// order regardless of how events interleaved on the wire.
func RenderSnapshot(s rebuild.Snapshot, width int) string {
	contentWidth := max(20, width-4)
	var b strings.Builder

	for _, block := range s.Blocks {
		switch block.Kind {
		case protocol.KindText:
			b.WriteString(renderMarkdown(block.Text, contentWidth))
		case protocol.KindThinking:
			b.WriteString(thinkingLabel.Render("Thinking"))
			b.WriteString("\n")
			b.WriteString(thinkingBody.Width(contentWidth).Render(block.Text))
			b.WriteString("\n")
		case protocol.KindToolUse:
			b.WriteString(renderTool(block, s.Outcomes, contentWidth))
		}
		b.WriteString("\n")
	}

	for _, d := range s.Diagnostics {
		b.WriteString(diagStyle.Render("! " + d))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMarkdown(text string, width int) string {
	if text == "" {
		return ""
	}
	if r := getRenderer(width); r != nil {
		if out, err := r.Render(text); err == nil {
			return strings.TrimRight(out, "\n") + "\n"
		}
	}
	return text + "\n"
}

func renderTool(block protocol.ContentBlock, outcomes map[string]protocol.ToolOutcome, width int) string {
	var b strings.Builder
	b.WriteString(toolLabel.Render("Tool: " + block.Name))

	outcome, ok := outcomes[block.ToolID]
	switch {
	case !ok || !outcome.Completed():
		b.WriteString("  " + toolRunning.Render("running..."))
	case outcome.IsError:
		b.WriteString("  " + toolErr.Render("error"))
	default:
		b.WriteString("  " + toolOK.Render(fmt.Sprintf("done (%s)", outcome.Duration().Round(10*time.Millisecond))))
	}
	b.WriteString("\n")

	if len(block.Input) > 0 {
		b.WriteString(toolRunning.Width(width).Render(truncate(string(block.Input), 200)))
		b.WriteString("\n")
	}
	if ok && outcome.Completed() && outcome.Output != "" {
		style := toolRunning
		if outcome.IsError {
			style = toolErr
		}
		b.WriteString(style.Width(width).Render(truncate(outcome.Output, 400)))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderProgress formats the tool progress line shown under the header.
func RenderProgress(r rebuild.Report) string {
	if r.ToolsTotal == 0 {
		return ""
	}
	line := fmt.Sprintf("tools %d/%d (%.0f%%)", r.ToolsCompleted, r.ToolsTotal, r.Percent)
	if r.ToolsErrored > 0 {
		line += toolErr.Render(fmt.Sprintf("  %d failed", r.ToolsErrored))
	}
	return line
}

func truncate(s string, n int) string {
	return ansi.Truncate(strings.TrimSpace(s), n, "...")
}
