package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/turncast/turncast/internal/protocol"
)

// eventLog mirrors a turn's protocol events to a JSONL file, one event per
// line. The file can be tailed by `turncast watch --file` and replayed
// through the reconstruction engine.
type eventLog struct {
	f *os.File
}

func openEventLog(dir, conversationID string, turn int) (*eventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-turn%d.jsonl", conversationID, turn))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &eventLog{f: f}, nil
}

func (l *eventLog) Append(events []protocol.Event) error {
	if l == nil {
		return nil
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := l.f.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func (l *eventLog) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}
