// Package client is the Go client for a turncast server: start turns, probe
// and attach to live streams, cancel, and read finished messages.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/session"
	"github.com/turncast/turncast/internal/store"
)

// ErrNoSession is returned when the server has no session (and no persisted
// message, where relevant) for the conversation.
var ErrNoSession = errors.New("client: no session for conversation")

// ErrTurnActive is returned when a turn is already in progress.
var ErrTurnActive = errors.New("client: a turn is already in progress")

// Client talks to one turncast server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:7461".
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		switch apiErr.Error {
		case "no_session", "not_found":
			return ErrNoSession
		case "turn_active":
			return ErrTurnActive
		}
		return fmt.Errorf("server: %s: %s", apiErr.Error, apiErr.Message)
	}
	return fmt.Errorf("server: unexpected status %d", resp.StatusCode)
}

// SendMessage starts a new turn for the conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, prompt string) error {
	path := fmt.Sprintf("/v1/conversations/%s/messages", conversationID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"prompt": prompt}, nil)
}

// Probe asks whether the conversation has a live or recently completed
// session, without attaching.
func (c *Client) Probe(ctx context.Context, conversationID string) (session.ProbeResult, error) {
	var res session.ProbeResult
	path := fmt.Sprintf("/v1/conversations/%s/probe", conversationID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// Cancel terminates the conversation's in-flight turn.
func (c *Client) Cancel(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/v1/conversations/%s/cancel", conversationID)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// Message fetches the most recent finished message for the conversation.
func (c *Client) Message(ctx context.Context, conversationID string) (*protocol.Message, error) {
	var msg protocol.Message
	path := fmt.Sprintf("/v1/conversations/%s/message", conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListConversations returns the server's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]store.ConversationSummary, error) {
	var out []store.ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
