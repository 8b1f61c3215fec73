// Package upstream spawns the coding-agent CLI subprocess and decodes its
// stream-json output into typed envelopes for translation.
package upstream

import (
	"encoding/json"
	"fmt"
)

// Envelope is one newline-delimited JSON message from the agent CLI. The
// top-level "type" field determines the message kind; the message body varies
// by type and is decoded lazily.
type Envelope struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        UsageCounts     `json:"usage,omitempty"`

	// Raw preserves the original line for unrecognized message types so
	// content can be surfaced rather than dropped.
	Raw []byte `json:"-"`
}

// UsageCounts is the token accounting block on result messages.
type UsageCounts struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// Block is a content block inside an assistant or user message. The "type"
// field selects which of the remaining fields are meaningful.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`          // tool_use
	Name      string          `json:"name,omitempty"`        // tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result
	IsError   *bool           `json:"is_error,omitempty"`    // tool_result
}

// MessageBody is the "message" field of assistant and user envelopes.
type MessageBody struct {
	Role    string  `json:"role"`
	Model   string  `json:"model,omitempty"`
	Content []Block `json:"content"`
}

// ParseLine decodes one stdout line into an Envelope. Lines that are not
// valid JSON objects are returned as an error; unknown types parse fine and
// carry their raw bytes.
func ParseLine(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse stream line: %w", err)
	}
	env.Raw = append([]byte(nil), line...)
	return env, nil
}

// Body decodes the envelope's message field. Only meaningful for assistant
// and user envelopes.
func (e Envelope) Body() (MessageBody, error) {
	var body MessageBody
	if len(e.Message) == 0 {
		return body, fmt.Errorf("envelope %q has no message body", e.Type)
	}
	if err := json.Unmarshal(e.Message, &body); err != nil {
		return body, fmt.Errorf("parse %s message body: %w", e.Type, err)
	}
	return body, nil
}

// ResultText flattens a tool_result content field, which may be a plain
// string or an array of text blocks, into display text.
func (b Block) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []Block
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var text string
		for _, inner := range blocks {
			if inner.Type == "text" && inner.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += inner.Text
			}
		}
		return text
	}
	return string(b.Content)
}
