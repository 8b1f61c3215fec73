package protocol

import (
	"encoding/json"
	"time"
)

// ContentBlock is one block of a turn's content. Text and thinking blocks
// carry running text that only ever grows; tool_use blocks carry the
// invocation identity and input. Blocks are created and appended to, never
// deleted, and are addressed by their slot within the turn.
type ContentBlock struct {
	Slot   int             `json:"slot"`
	Kind   BlockKind       `json:"kind"`
	Text   string          `json:"text,omitempty"`
	ToolID string          `json:"tool_id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Done   bool            `json:"done,omitempty"`
}

// ToolOutcome is the execution record for one tool invocation, keyed by tool
// ID. It is created when the invocation is first observed and completed at
// most once; later results for the same ID are ignored.
type ToolOutcome struct {
	ToolID      string    `json:"tool_id"`
	Name        string    `json:"name,omitempty"`
	Output      string    `json:"output,omitempty"`
	IsError     bool      `json:"is_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Completed reports whether a result has been applied to the outcome.
func (o ToolOutcome) Completed() bool {
	return !o.CompletedAt.IsZero()
}

// Duration is the elapsed time between start and completion, zero while the
// invocation is still running.
func (o ToolOutcome) Duration() time.Duration {
	if !o.Completed() {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}

// Message is the finished message handed to the store exactly once per
// completed turn.
type Message struct {
	ConversationID string         `json:"conversation_id"`
	Turn           int            `json:"turn"`
	Role           string         `json:"role"`
	Status         TurnStatus     `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	Blocks         []ContentBlock `json:"blocks"`
	Outcomes       []ToolOutcome  `json:"outcomes,omitempty"`
	Usage          Usage          `json:"usage"`
	CreatedAt      time.Time      `json:"created_at"`
}
