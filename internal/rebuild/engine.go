// Package rebuild derives structured turn state from a protocol event stream.
// The fold is strictly sequential per connection, tolerates duplicate
// block_start events from overlapping replay/live windows, and buffers deltas
// that arrive before their block's start instead of dropping them.
package rebuild

import (
	"fmt"
	"sort"
	"time"

	"github.com/turncast/turncast/internal/protocol"
)

// Status is the turn lifecycle status visible to renderers.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusActive           Status = "active"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusErrored          Status = "errored"
)

// Snapshot is a read-only copy of the reconstructed turn state. Blocks are
// ordered by slot.
type Snapshot struct {
	Status      Status
	Reason      string
	Blocks      []protocol.ContentBlock
	Outcomes    map[string]protocol.ToolOutcome
	Usage       protocol.Usage
	Diagnostics []string
}

// Engine folds protocol events into turn state. It has a single writer; any
// number of readers consume Snapshot copies.
type Engine struct {
	now func() time.Time

	status      Status
	reason      string
	blocks      map[int]*protocol.ContentBlock
	outcomes    map[string]*protocol.ToolOutcome
	pending     map[int][]string
	usage       protocol.Usage
	diagnostics []string
}

// NewEngine creates an engine using the wall clock for outcome timestamps.
func NewEngine() *Engine {
	return NewEngineWithClock(time.Now)
}

// NewEngineWithClock creates an engine with an injected clock, so replayed
// and live folds over the same log can be compared for equality.
func NewEngineWithClock(now func() time.Time) *Engine {
	e := &Engine{now: now}
	e.reset()
	return e
}

func (e *Engine) reset() {
	e.status = StatusIdle
	e.reason = ""
	e.blocks = make(map[int]*protocol.ContentBlock)
	e.outcomes = make(map[string]*protocol.ToolOutcome)
	e.pending = make(map[int][]string)
	e.usage = protocol.Usage{}
	e.diagnostics = nil
}

// Apply folds one event into the state.
func (e *Engine) Apply(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTurnStart:
		e.reset()
		e.status = StatusActive

	case protocol.EventBlockStart:
		if _, ok := e.blocks[ev.Slot]; ok {
			// Duplicate from an overlapping replay/live window.
			return
		}
		block := &protocol.ContentBlock{
			Slot:   ev.Slot,
			Kind:   ev.Kind,
			ToolID: ev.ToolID,
			Name:   ev.Name,
			Input:  ev.Input,
		}
		e.blocks[ev.Slot] = block
		// Reconcile deltas that raced ahead of the start.
		for _, text := range e.pending[ev.Slot] {
			block.Text += text
		}
		delete(e.pending, ev.Slot)

		if ev.Kind == protocol.KindToolUse && ev.ToolID != "" {
			e.startOutcome(ev.ToolID, ev.Name)
		}

	case protocol.EventBlockDelta:
		if block, ok := e.blocks[ev.Slot]; ok {
			block.Text += ev.Text
			return
		}
		// Start not seen yet: buffer keyed by slot, reconcile later.
		e.pending[ev.Slot] = append(e.pending[ev.Slot], ev.Text)

	case protocol.EventBlockStop:
		if block, ok := e.blocks[ev.Slot]; ok {
			block.Done = true
			return
		}
		e.diagnostics = append(e.diagnostics,
			fmt.Sprintf("block_stop for unseen slot %d", ev.Slot))

	case protocol.EventToolResult:
		e.completeOutcome(ev)

	case protocol.EventTurnStop:
		switch ev.Status {
		case protocol.StatusError:
			e.status = StatusErrored
		default:
			e.status = StatusIdle
		}
		e.reason = ev.Reason
		if ev.Usage != nil {
			e.usage = *ev.Usage
		}
		for slot := range e.pending {
			e.diagnostics = append(e.diagnostics,
				fmt.Sprintf("unreconciled deltas for slot %d at turn end", slot))
		}
	}
}

func (e *Engine) startOutcome(toolID, name string) {
	if _, ok := e.outcomes[toolID]; ok {
		return
	}
	e.outcomes[toolID] = &protocol.ToolOutcome{
		ToolID:    toolID,
		Name:      name,
		StartedAt: e.now(),
	}
}

func (e *Engine) completeOutcome(ev protocol.Event) {
	outcome, ok := e.outcomes[ev.ToolID]
	if !ok {
		// Result observed before the invocation: the result is still the
		// first observation of this tool ID.
		outcome = &protocol.ToolOutcome{ToolID: ev.ToolID, StartedAt: e.now()}
		e.outcomes[ev.ToolID] = outcome
	}
	if outcome.Completed() {
		// Duplicate result: idempotent, keep the first application.
		return
	}
	outcome.Output = ev.Output
	outcome.IsError = ev.IsError
	outcome.CompletedAt = e.now()
}

// Terminal reports whether the turn has reached a terminal status.
func (e *Engine) Terminal() bool {
	return e.status == StatusIdle || e.status == StatusErrored
}

// Snapshot returns a deep copy of the current state with blocks ordered by
// slot.
func (e *Engine) Snapshot() Snapshot {
	slots := make([]int, 0, len(e.blocks))
	for slot := range e.blocks {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	blocks := make([]protocol.ContentBlock, 0, len(slots))
	for _, slot := range slots {
		blocks = append(blocks, *e.blocks[slot])
	}

	outcomes := make(map[string]protocol.ToolOutcome, len(e.outcomes))
	for id, o := range e.outcomes {
		outcomes[id] = *o
	}

	return Snapshot{
		Status:      e.status,
		Reason:      e.reason,
		Blocks:      blocks,
		Outcomes:    outcomes,
		Usage:       e.usage,
		Diagnostics: append([]string(nil), e.diagnostics...),
	}
}

// Message assembles the finished message for persistence from a terminal
// snapshot.
func (s Snapshot) Message(conversationID string, turn int, createdAt time.Time) protocol.Message {
	status := protocol.StatusOK
	if s.Status == StatusErrored {
		status = protocol.StatusError
	}

	ids := make([]string, 0, len(s.Outcomes))
	for id := range s.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	outcomes := make([]protocol.ToolOutcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, s.Outcomes[id])
	}

	return protocol.Message{
		ConversationID: conversationID,
		Turn:           turn,
		Role:           "assistant",
		Status:         status,
		Reason:         s.Reason,
		Blocks:         s.Blocks,
		Outcomes:       outcomes,
		Usage:          s.Usage,
		CreatedAt:      createdAt,
	}
}
