package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/protocol"
)

// AttachWS attaches over WebSocket instead of SSE. Each frame carries one
// event; the channel closes on the terminal event or disconnect. A session
// that already completed closes immediately — fetch the finished message with
// Message.
func (c *Client) AttachWS(ctx context.Context, conversationID string) (<-chan protocol.Event, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		fmt.Sprintf("/v1/conversations/%s/ws", conversationID)

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + c.token},
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan protocol.Event, 64)
	go func() {
		defer close(ch)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ev protocol.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				logx.Log.Debug("Failed to parse WS event", "error", err)
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "client closing")
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "turn completed")
				return
			}
		}
	}()
	return ch, nil
}
