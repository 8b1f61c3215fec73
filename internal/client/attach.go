package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/protocol"
)

// Frame is one unit of an attach stream: a live event, or — when the session
// already completed before the attach — the finished message.
type Frame struct {
	Event *protocol.Event
	Final *protocol.Message
}

// Attach connects to the conversation's SSE stream. The channel first replays
// every event of the in-flight turn from sequence zero, then continues live,
// and is closed after the terminal event (or on disconnect). Attaching never
// starts a turn.
func (c *Client) Attach(ctx context.Context, conversationID string) (<-chan Frame, error) {
	path := fmt.Sprintf("/v1/conversations/%s/events", conversationID)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The default client enforces a request timeout; a stream has none.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan Frame, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		eventName := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				eventName = ""
			case strings.HasPrefix(line, "event: "):
				eventName = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data := strings.TrimPrefix(line, "data: ")
				frame, ok := parseFrame(eventName, []byte(data))
				if !ok {
					continue
				}
				select {
				case ch <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func parseFrame(eventName string, data []byte) (Frame, bool) {
	if eventName == "final" {
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Debug("Failed to parse final frame", "error", err)
			return Frame{}, false
		}
		return Frame{Final: &msg}, true
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		logx.Log.Debug("Failed to parse event frame", "error", err)
		return Frame{}, false
	}
	return Frame{Event: &ev}, true
}
