// Package store persists finished messages. The broadcaster hands each
// completed turn here exactly once; observers that miss the live stream read
// the final message back through it.
package store

import (
	"context"
	"time"

	"github.com/turncast/turncast/internal/protocol"
)

// MessageStore is the persistence boundary for finished messages.
type MessageStore interface {
	// SaveMessage persists one finished message.
	SaveMessage(ctx context.Context, msg protocol.Message) error
	// LatestMessage returns the most recent finished message for a
	// conversation, or nil when none exists.
	LatestMessage(ctx context.Context, conversationID string) (*protocol.Message, error)
	// ListConversations returns a summary per known conversation, most
	// recent first.
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	// Close flushes pending writes and releases the database.
	Close() error
}

// ConversationSummary is one row of the conversation listing.
type ConversationSummary struct {
	ConversationID string              `json:"conversation_id"`
	Turns          int                 `json:"turns"`
	LastStatus     protocol.TurnStatus `json:"last_status"`
	LastAt         time.Time           `json:"last_at"`
}
