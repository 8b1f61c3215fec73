package client

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/turncast/turncast/internal/logx"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second
)

// Watch attaches to the conversation and keeps the stream alive across
// disconnects: on each reattach the server replays from sequence zero, and
// Watch suppresses everything already delivered, so the consumer sees each
// sequence number exactly once. The channel closes after a terminal event or
// final frame, or when the server reports no session.
func (c *Client) Watch(ctx context.Context, conversationID string) (<-chan Frame, error) {
	src, err := c.Attach(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ch := make(chan Frame, 64)
	go c.watchLoop(ctx, conversationID, src, ch)
	return ch, nil
}

func (c *Client) watchLoop(ctx context.Context, conversationID string, src <-chan Frame, ch chan<- Frame) {
	defer close(ch)

	lastSeq := int64(-1)
	fails := 0

	for {
		done := forwardFrames(ctx, src, ch, &lastSeq)
		if done || ctx.Err() != nil {
			return
		}

		// Disconnected mid-turn. Back off, then reattach.
		fails++
		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(min(fails-1, 5))))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		logx.Log.Warn("Stream disconnected, reattaching",
			"conversation", conversationID, "failures", fails, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		next, err := c.Attach(ctx, conversationID)
		if err != nil {
			if errors.Is(err, ErrNoSession) {
				return
			}
			src = closedFrames
			continue
		}
		fails = 0
		src = next
	}
}

// forwardFrames relays frames until the source closes, suppressing sequence
// numbers already seen. Returns true when the stream reached a terminal
// state.
func forwardFrames(ctx context.Context, src <-chan Frame, ch chan<- Frame, lastSeq *int64) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case frame, ok := <-src:
			if !ok {
				return false
			}
			if frame.Event != nil {
				if frame.Event.Seq <= *lastSeq {
					continue
				}
				*lastSeq = frame.Event.Seq
			}
			select {
			case ch <- frame:
			case <-ctx.Done():
				return true
			}
			if frame.Final != nil || (frame.Event != nil && frame.Event.Terminal()) {
				return true
			}
		}
	}
}

// closedFrames stands in for a source that failed to reattach.
var closedFrames = func() <-chan Frame {
	ch := make(chan Frame)
	close(ch)
	return ch
}()
