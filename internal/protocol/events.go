// Package protocol defines the incremental turn protocol: the stable,
// index-addressed event stream a session broadcasts to observers, and the
// content block vocabulary those events describe.
package protocol

import "encoding/json"

// EventType discriminates protocol event kinds on the wire.
type EventType string

const (
	// EventTurnStart opens a turn. Emitted before any block content exists.
	EventTurnStart EventType = "turn_start"
	// EventBlockStart introduces a block at a slot.
	EventBlockStart EventType = "block_start"
	// EventBlockDelta appends text to a block's running text.
	EventBlockDelta EventType = "block_delta"
	// EventBlockStop marks a block as complete.
	EventBlockStop EventType = "block_stop"
	// EventToolResult delivers the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventTurnStop closes a turn, successfully or not.
	EventTurnStop EventType = "turn_stop"
)

// BlockKind identifies the content block variant.
type BlockKind string

const (
	KindText     BlockKind = "text"
	KindThinking BlockKind = "thinking"
	KindToolUse  BlockKind = "tool_use"
)

// TurnStatus is the terminal status carried by a turn_stop event.
type TurnStatus string

const (
	StatusOK        TurnStatus = "ok"
	StatusError     TurnStatus = "error"
	StatusCancelled TurnStatus = "cancelled"
)

// NoSlot is the Slot value on events that are not about a specific block.
const NoSlot = -1

// Usage summarizes token accounting for a turn.
type Usage struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	CacheReadTokens int     `json:"cache_read_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
}

// Event is one protocol frame. Seq is assigned by the broadcaster and is
// gap-free and monotonically increasing within a session. Slot is the block's
// original upstream position within the turn; it is stable for every event
// about that block and is NoSlot for turn-level events.
type Event struct {
	Type    EventType       `json:"type"`
	Seq     int64           `json:"seq"`
	Slot    int             `json:"slot"`
	Kind    BlockKind       `json:"kind,omitempty"`
	Text    string          `json:"text,omitempty"`
	ToolID  string          `json:"tool_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Status  TurnStatus      `json:"status,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventTurnStop
}
