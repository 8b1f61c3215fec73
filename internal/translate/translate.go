// Package translate converts upstream agent turn payloads into the ordered
// protocol event sequence a session broadcasts. It owns the presentation
// ordering policy (narrative before tools), the slot index policy (original
// upstream positions, stable for the life of the turn), and the immediacy
// policy (turn_start the moment the upstream signals a turn has begun).
package translate

import (
	"fmt"
	"unicode/utf8"

	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/upstream"
)

// deltaChunkSize bounds the text carried by a single block_delta so large
// payloads still render progressively on the observer side.
const deltaChunkSize = 512

// Translator translates one turn. It is not safe for concurrent use; the
// session read loop is its single caller.
type Translator struct {
	started  bool
	stopped  bool
	slotBase int
}

// New creates a Translator for a fresh turn.
func New() *Translator {
	return &Translator{}
}

// TurnBegun emits turn_start the first time the upstream signals it has begun
// producing a turn. Later calls return nothing, so a duplicate readiness
// signal never duplicates the acknowledgment.
func (t *Translator) TurnBegun() []protocol.Event {
	if t.started {
		return nil
	}
	t.started = true
	return []protocol.Event{{Type: protocol.EventTurnStart, Slot: protocol.NoSlot}}
}

// Assistant translates one assistant payload: per block one block_start, zero
// or more block_delta, one block_stop. Text and thinking blocks are emitted
// before tool_use blocks; ties keep their original relative order. Every
// event carries the block's original upstream position as its slot.
func (t *Translator) Assistant(body upstream.MessageBody) []protocol.Event {
	events := t.TurnBegun()

	var narrative, tools []int
	for i, b := range body.Content {
		if b.Type == "tool_use" {
			tools = append(tools, i)
		} else {
			narrative = append(narrative, i)
		}
	}

	for _, i := range narrative {
		events = append(events, t.textBlock(t.slotBase+i, body.Content[i])...)
	}
	for _, i := range tools {
		events = append(events, t.toolBlock(t.slotBase+i, body.Content[i])...)
	}

	t.slotBase += len(body.Content)
	return events
}

// ToolResults translates the tool_result blocks of a user payload into
// tool_result events.
func (t *Translator) ToolResults(body upstream.MessageBody) []protocol.Event {
	events := t.TurnBegun()
	for _, b := range body.Content {
		if b.Type != "tool_result" {
			continue
		}
		isError := b.IsError != nil && *b.IsError
		events = append(events, protocol.Event{
			Type:    protocol.EventToolResult,
			Slot:    protocol.NoSlot,
			ToolID:  b.ToolUseID,
			Output:  b.ResultText(),
			IsError: isError,
		})
	}
	return events
}

// Opaque translates an unrecognized upstream payload into a diagnostic text
// block rather than dropping it.
func (t *Translator) Opaque(kind string) []protocol.Event {
	events := t.TurnBegun()
	slot := t.slotBase
	t.slotBase++

	if kind == "" {
		kind = "unknown"
	}
	marker := fmt.Sprintf("[unrecognized block: %s]", kind)
	events = append(events,
		protocol.Event{Type: protocol.EventBlockStart, Slot: slot, Kind: protocol.KindText},
		protocol.Event{Type: protocol.EventBlockDelta, Slot: slot, Text: marker},
		protocol.Event{Type: protocol.EventBlockStop, Slot: slot},
	)
	return events
}

// TurnEnded emits the terminal turn_stop. A turn that never announced itself
// still gets a turn_start first, so every observer sees a well-formed stream.
// At most one turn_stop is ever emitted per turn.
func (t *Translator) TurnEnded(status protocol.TurnStatus, reason string, usage protocol.Usage) []protocol.Event {
	if t.stopped {
		return nil
	}
	t.stopped = true

	events := t.TurnBegun()
	events = append(events, protocol.Event{
		Type:   protocol.EventTurnStop,
		Slot:   protocol.NoSlot,
		Status: status,
		Reason: reason,
		Usage:  &usage,
	})
	return events
}

// Stopped reports whether the terminal event has been emitted.
func (t *Translator) Stopped() bool {
	return t.stopped
}

func (t *Translator) textBlock(slot int, b upstream.Block) []protocol.Event {
	var kind protocol.BlockKind
	var text string
	switch b.Type {
	case "text":
		kind, text = protocol.KindText, b.Text
	case "thinking":
		kind, text = protocol.KindThinking, b.Thinking
	default:
		// Unrecognized shape: degrade to a marked text block.
		kind = protocol.KindText
		text = fmt.Sprintf("[unrecognized block: %s]", b.Type)
	}

	events := []protocol.Event{{Type: protocol.EventBlockStart, Slot: slot, Kind: kind}}
	for _, chunk := range chunkText(text, deltaChunkSize) {
		events = append(events, protocol.Event{Type: protocol.EventBlockDelta, Slot: slot, Text: chunk})
	}
	return append(events, protocol.Event{Type: protocol.EventBlockStop, Slot: slot})
}

func (t *Translator) toolBlock(slot int, b upstream.Block) []protocol.Event {
	return []protocol.Event{
		{
			Type:   protocol.EventBlockStart,
			Slot:   slot,
			Kind:   protocol.KindToolUse,
			ToolID: b.ID,
			Name:   b.Name,
			Input:  b.Input,
		},
		{Type: protocol.EventBlockStop, Slot: slot},
	}
}

// chunkText splits s into chunks of at most max bytes without splitting a
// rune. Empty input yields no chunks.
func chunkText(s string, max int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
