package client

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/protocol"
)

// TailFile streams events from a turn's JSONL event log: it replays what the
// file already holds, then follows appends until the terminal event, ctx
// cancellation, or file removal. This reads the mirror a server writes when
// its event log directory is configured, so a turn can be observed without
// touching the server at all.
func TailFile(ctx context.Context, path string) (<-chan protocol.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, err
	}

	ch := make(chan protocol.Event, 64)
	go tailLoop(ctx, f, watcher, ch)
	return ch, nil
}

func tailLoop(ctx context.Context, f *os.File, watcher *fsnotify.Watcher, ch chan<- protocol.Event) {
	defer close(ch)
	defer f.Close()
	defer watcher.Close()

	reader := bufio.NewReader(f)
	if !drainLines(ctx, reader, ch) {
		return
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) {
				// Debounce rapid writes
				debounce.Reset(100 * time.Millisecond)
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return
			}

		case <-debounce.C:
			if !drainLines(ctx, reader, ch) {
				return
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logx.Log.Warn("Event log watcher error", "error", err)
		}
	}
}

// drainLines reads every complete line currently available. Returns false
// when the stream is finished (terminal event or cancellation).
func drainLines(ctx context.Context, reader *bufio.Reader, ch chan<- protocol.Event) bool {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return true
		}
		var ev protocol.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logx.Log.Debug("Failed to parse event log line", "error", err)
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return false
		}
		if ev.Terminal() {
			return false
		}
	}
}
