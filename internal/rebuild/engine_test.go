package rebuild

import (
	"reflect"
	"testing"
	"time"

	"github.com/turncast/turncast/internal/protocol"
)

// fixedClock returns a deterministic clock so folds over the same events can
// be compared for equality.
func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func turnEvents() []protocol.Event {
	return []protocol.Event{
		{Type: protocol.EventTurnStart, Seq: 0, Slot: protocol.NoSlot},
		{Type: protocol.EventBlockStart, Seq: 1, Slot: 0, Kind: protocol.KindText},
		{Type: protocol.EventBlockDelta, Seq: 2, Slot: 0, Text: "let me look"},
		{Type: protocol.EventBlockStop, Seq: 3, Slot: 0},
		{Type: protocol.EventBlockStart, Seq: 4, Slot: 1, Kind: protocol.KindToolUse, ToolID: "t1", Name: "grep"},
		{Type: protocol.EventBlockStop, Seq: 5, Slot: 1},
		{Type: protocol.EventToolResult, Seq: 6, Slot: protocol.NoSlot, ToolID: "t1", Output: "3 matches"},
		{Type: protocol.EventTurnStop, Seq: 7, Slot: protocol.NoSlot, Status: protocol.StatusOK, Usage: &protocol.Usage{OutputTokens: 9}},
	}
}

func TestApplyFullTurn(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	for _, ev := range turnEvents() {
		e.Apply(ev)
	}

	s := e.Snapshot()
	if s.Status != StatusIdle {
		t.Errorf("status = %s, want idle", s.Status)
	}
	if len(s.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(s.Blocks))
	}
	if s.Blocks[0].Text != "let me look" || !s.Blocks[0].Done {
		t.Errorf("text block = %+v", s.Blocks[0])
	}
	outcome, ok := s.Outcomes["t1"]
	if !ok || outcome.Output != "3 matches" || !outcome.Completed() {
		t.Errorf("outcome = %+v", outcome)
	}
	if s.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", s.Usage)
	}
	if len(s.Diagnostics) != 0 {
		t.Errorf("diagnostics = %v", s.Diagnostics)
	}
}

func TestDeltaBeforeStartIsBuffered(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventBlockDelta, Slot: 0, Text: "hello "})
	e.Apply(protocol.Event{Type: protocol.EventBlockDelta, Slot: 0, Text: "world"})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindText})
	e.Apply(protocol.Event{Type: protocol.EventBlockDelta, Slot: 0, Text: "!"})

	s := e.Snapshot()
	if len(s.Blocks) != 1 || s.Blocks[0].Text != "hello world!" {
		t.Fatalf("blocks = %+v", s.Blocks)
	}
}

func TestDuplicateBlockStartIgnored(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindText})
	e.Apply(protocol.Event{Type: protocol.EventBlockDelta, Slot: 0, Text: "kept"})
	// Overlapping replay window redelivers the start.
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindText})

	s := e.Snapshot()
	if s.Blocks[0].Text != "kept" {
		t.Errorf("text = %q, want accumulated text preserved", s.Blocks[0].Text)
	}
}

func TestToolOutcomeIdempotent(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindToolUse, ToolID: "t1", Name: "bash"})
	e.Apply(protocol.Event{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "t1", Output: "first"})
	e.Apply(protocol.Event{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "t1", Output: "second", IsError: true})

	s := e.Snapshot()
	outcome := s.Outcomes["t1"]
	if outcome.Output != "first" || outcome.IsError {
		t.Errorf("duplicate result overwrote the first: %+v", outcome)
	}
}

func TestResultBeforeInvocation(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "t9", Output: "early"})

	s := e.Snapshot()
	outcome, ok := s.Outcomes["t9"]
	if !ok || outcome.Output != "early" || !outcome.Completed() {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestReplayEquivalence(t *testing.T) {
	events := turnEvents()

	live := NewEngineWithClock(fixedClock())
	for _, ev := range events {
		live.Apply(ev)
	}

	replayed := NewEngineWithClock(fixedClock())
	for _, ev := range events {
		replayed.Apply(ev)
	}

	if !reflect.DeepEqual(live.Snapshot(), replayed.Snapshot()) {
		t.Error("replay over the same log produced a different state")
	}
}

func TestOrderToleranceWithinBlocks(t *testing.T) {
	// The same block events with the tool result arriving before the tool's
	// block_start must converge to the same terminal content.
	reference := NewEngineWithClock(fixedClock())
	for _, ev := range turnEvents() {
		reference.Apply(ev)
	}

	reordered := []protocol.Event{
		{Type: protocol.EventTurnStart, Slot: protocol.NoSlot},
		{Type: protocol.EventBlockDelta, Slot: 0, Text: "let me look"},
		{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "t1", Output: "3 matches"},
		{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindText},
		{Type: protocol.EventBlockStop, Slot: 0},
		{Type: protocol.EventBlockStart, Slot: 1, Kind: protocol.KindToolUse, ToolID: "t1", Name: "grep"},
		{Type: protocol.EventBlockStop, Slot: 1},
		{Type: protocol.EventTurnStop, Slot: protocol.NoSlot, Status: protocol.StatusOK, Usage: &protocol.Usage{OutputTokens: 9}},
	}
	e := NewEngineWithClock(fixedClock())
	for _, ev := range reordered {
		e.Apply(ev)
	}

	got, want := e.Snapshot(), reference.Snapshot()
	if !reflect.DeepEqual(got.Blocks, want.Blocks) {
		t.Errorf("blocks diverged:\n got %+v\nwant %+v", got.Blocks, want.Blocks)
	}
	if got.Outcomes["t1"].Output != want.Outcomes["t1"].Output {
		t.Errorf("outcomes diverged")
	}
	if len(got.Diagnostics) != 0 {
		t.Errorf("diagnostics = %v", got.Diagnostics)
	}
}

func TestErrorTurnStop(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventTurnStop, Slot: protocol.NoSlot, Status: protocol.StatusError, Reason: "subprocess exited"})

	s := e.Snapshot()
	if s.Status != StatusErrored || s.Reason != "subprocess exited" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestUnreconciledDeltasRecorded(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventBlockDelta, Slot: 4, Text: "orphan"})
	e.Apply(protocol.Event{Type: protocol.EventTurnStop, Slot: protocol.NoSlot, Status: protocol.StatusOK})

	s := e.Snapshot()
	if len(s.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want one entry", s.Diagnostics)
	}
}

func TestSnapshotMessage(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	for _, ev := range turnEvents() {
		e.Apply(ev)
	}
	created := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	msg := e.Snapshot().Message("conv-1", 3, created)

	if msg.ConversationID != "conv-1" || msg.Turn != 3 || msg.Role != "assistant" {
		t.Errorf("message header = %+v", msg)
	}
	if msg.Status != protocol.StatusOK {
		t.Errorf("status = %s", msg.Status)
	}
	if len(msg.Blocks) != 2 || len(msg.Outcomes) != 1 {
		t.Errorf("blocks=%d outcomes=%d", len(msg.Blocks), len(msg.Outcomes))
	}
}

func TestProgress(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 0, Kind: protocol.KindToolUse, ToolID: "a", Name: "x"})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 1, Kind: protocol.KindToolUse, ToolID: "b", Name: "y"})
	e.Apply(protocol.Event{Type: protocol.EventBlockStart, Slot: 2, Kind: protocol.KindToolUse, ToolID: "c", Name: "z"})
	e.Apply(protocol.Event{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "a", Output: "ok"})
	e.Apply(protocol.Event{Type: protocol.EventToolResult, Slot: protocol.NoSlot, ToolID: "b", Output: "no", IsError: true})

	r := Progress(e.Snapshot())
	if r.ToolsTotal != 3 || r.ToolsCompleted != 2 || r.ToolsErrored != 1 || r.ToolsRunning != 1 {
		t.Errorf("report = %+v", r)
	}
	if r.Percent < 66 || r.Percent > 67 {
		t.Errorf("percent = %f", r.Percent)
	}
}

func TestProgressEmpty(t *testing.T) {
	r := Progress(Snapshot{})
	if r.ToolsTotal != 0 || r.Percent != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestTurnStartResetsState(t *testing.T) {
	e := NewEngineWithClock(fixedClock())
	for _, ev := range turnEvents() {
		e.Apply(ev)
	}
	e.Apply(protocol.Event{Type: protocol.EventTurnStart, Slot: protocol.NoSlot})

	s := e.Snapshot()
	if len(s.Blocks) != 0 || len(s.Outcomes) != 0 || s.Status != StatusActive {
		t.Errorf("state not reset: %+v", s)
	}
}
