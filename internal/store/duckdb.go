package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/protocol"
)

const messageSchema = `
CREATE TABLE IF NOT EXISTS messages (
    conversation_id VARCHAR,
    turn INTEGER,
    role VARCHAR,
    status VARCHAR,
    reason VARCHAR,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    cache_read_tokens INTEGER DEFAULT 0,
    cost_usd DOUBLE DEFAULT 0,
    created_at TIMESTAMP,
    PRIMARY KEY (conversation_id, turn)
);

CREATE TABLE IF NOT EXISTS blocks (
    conversation_id VARCHAR,
    turn INTEGER,
    slot INTEGER,
    kind VARCHAR,
    text VARCHAR,
    tool_id VARCHAR,
    tool_name VARCHAR,
    input VARCHAR,
    output VARCHAR,
    is_error BOOLEAN DEFAULT FALSE,
    PRIMARY KEY (conversation_id, turn, slot)
);
`

// DuckDBStore implements MessageStore backed by DuckDB. Writes go through a
// single goroutine draining a channel, so concurrent turn completions never
// contend on the database.
type DuckDBStore struct {
	db   *sql.DB
	path string

	saveCh chan protocol.Message
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewDuckDBStore opens (or creates) the message database and starts the
// background writer.
func NewDuckDBStore(dbPath string) (*DuckDBStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(messageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize message schema: %w", err)
	}
	if _, err := db.Exec("SET enable_external_access=false"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set security settings: %w", err)
	}

	s := &DuckDBStore{
		db:     db,
		path:   dbPath,
		saveCh: make(chan protocol.Message, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// SaveMessage enqueues the message for the background writer.
func (s *DuckDBStore) SaveMessage(ctx context.Context, msg protocol.Message) error {
	select {
	case s.saveCh <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("store closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DuckDBStore) writer() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.saveCh:
			if err := s.write(msg); err != nil {
				logx.Log.Error("Message write failed",
					"conversation", msg.ConversationID, "turn", msg.Turn, "error", err)
			}
		case <-s.done:
			// Drain what is left before exiting.
			for {
				select {
				case msg := <-s.saveCh:
					if err := s.write(msg); err != nil {
						logx.Log.Error("Message write failed during shutdown", "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *DuckDBStore) write(msg protocol.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace any prior write for the same (conversation, turn).
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND turn = ?`,
		msg.ConversationID, msg.Turn); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM blocks WHERE conversation_id = ? AND turn = ?`,
		msg.ConversationID, msg.Turn); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, turn, role, status, reason,
			input_tokens, output_tokens, cache_read_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Turn, msg.Role, string(msg.Status), msg.Reason,
		msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.CacheReadTokens,
		msg.Usage.CostUSD, msg.CreatedAt,
	); err != nil {
		return err
	}

	outcomes := make(map[string]protocol.ToolOutcome, len(msg.Outcomes))
	for _, o := range msg.Outcomes {
		outcomes[o.ToolID] = o
	}

	for _, b := range msg.Blocks {
		var output string
		var isError bool
		if o, ok := outcomes[b.ToolID]; ok && b.ToolID != "" {
			output, isError = o.Output, o.IsError
		}
		if _, err := tx.Exec(`
			INSERT INTO blocks (conversation_id, turn, slot, kind, text,
				tool_id, tool_name, input, output, is_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, msg.Turn, b.Slot, string(b.Kind), b.Text,
			b.ToolID, b.Name, string(b.Input), output, isError,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LatestMessage returns the newest finished message for the conversation.
func (s *DuckDBStore) LatestMessage(ctx context.Context, conversationID string) (*protocol.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT turn, role, status, reason, input_tokens, output_tokens,
			cache_read_tokens, cost_usd, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY turn DESC
		LIMIT 1`, conversationID)

	var msg protocol.Message
	var status string
	msg.ConversationID = conversationID
	err := row.Scan(&msg.Turn, &msg.Role, &status, &msg.Reason,
		&msg.Usage.InputTokens, &msg.Usage.OutputTokens,
		&msg.Usage.CacheReadTokens, &msg.Usage.CostUSD, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.Status = protocol.TurnStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, kind, text, tool_id, tool_name, input, output, is_error
		FROM blocks
		WHERE conversation_id = ? AND turn = ?
		ORDER BY slot`, conversationID, msg.Turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b protocol.ContentBlock
		var kind, input, output string
		var isError bool
		if err := rows.Scan(&b.Slot, &kind, &b.Text, &b.ToolID, &b.Name,
			&input, &output, &isError); err != nil {
			return nil, err
		}
		b.Kind = protocol.BlockKind(kind)
		b.Done = true
		if input != "" {
			b.Input = json.RawMessage(input)
		}
		msg.Blocks = append(msg.Blocks, b)
		if b.ToolID != "" {
			msg.Outcomes = append(msg.Outcomes, protocol.ToolOutcome{
				ToolID:  b.ToolID,
				Name:    b.Name,
				Output:  output,
				IsError: isError,
			})
		}
	}
	return &msg, rows.Err()
}

// ListConversations summarizes known conversations, most recent first.
func (s *DuckDBStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*) AS turns,
			arg_max(m.status, m.turn) AS last_status,
			MAX(m.created_at) AS last_at
		FROM messages m
		GROUP BY m.conversation_id
		ORDER BY last_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var status string
		var lastAt time.Time
		if err := rows.Scan(&c.ConversationID, &c.Turns, &status, &lastAt); err != nil {
			return nil, err
		}
		c.LastStatus = protocol.TurnStatus(status)
		c.LastAt = lastAt
		result = append(result, c)
	}
	return result, rows.Err()
}

// Close stops the writer, flushes pending messages, and closes the database.
func (s *DuckDBStore) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
