package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/session"
	"github.com/turncast/turncast/internal/store"
	"github.com/turncast/turncast/internal/upstream"
)

type fakeProcess struct {
	lines chan []byte
	once  sync.Once
}

func (p *fakeProcess) feed(lines ...string) {
	for _, l := range lines {
		p.lines <- []byte(l)
	}
}

func (p *fakeProcess) eof() { p.once.Do(func() { close(p.lines) }) }

func (p *fakeProcess) ReadLine() ([]byte, error) {
	line, ok := <-p.lines
	if !ok {
		return nil, io.EOF
	}
	return line, nil
}

func (p *fakeProcess) Stop() error        { p.eof(); return nil }
func (p *fakeProcess) Wait() error        { return nil }
func (p *fakeProcess) StderrTail() string { return "" }

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, prompt string) (upstream.Process, error) {
	p := &fakeProcess{lines: make(chan []byte, 64)}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

const resultLine = `{"type":"result","subtype":"success","is_error":false,"result":"done","usage":{"input_tokens":1,"output_tokens":2}}`

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"%s"}]}}`, text)
}

func newTestServer(t *testing.T, cfg Config, messages store.MessageStore) (*httptest.Server, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	sessions := session.NewManager(session.Config{Launcher: l, Linger: time.Minute}, nil)
	srv := New(cfg, sessions, messages)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, l
}

func postMessage(t *testing.T, ts *httptest.Server, conv, prompt string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(PostMessageRequest{Prompt: prompt})
	resp, err := http.Post(ts.URL+"/v1/conversations/"+conv+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	return resp
}

func TestPostMessage(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp := postMessage(t, ts, "conv", "hello")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var ack PostMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ack.Started || ack.ConversationID != "conv" {
		t.Errorf("ack = %+v", ack)
	}

	// A second message while the turn runs is a conflict.
	dup := postMessage(t, ts, "conv", "again")
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", dup.StatusCode)
	}
}

func TestPostMessageValidation(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Post(ts.URL+"/v1/conversations/conv/messages", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid json status = %d", resp.StatusCode)
	}

	blank := postMessage(t, ts, "conv", "   ")
	blank.Body.Close()
	if blank.StatusCode != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d", blank.StatusCode)
	}
}

// readSSE collects events from an SSE response until the terminal event.
func readSSE(t *testing.T, body io.Reader) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("parse SSE data: %v", err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
	t.Fatalf("SSE stream ended before terminal event; got %d events", len(events))
	return nil
}

func TestEventsSSE(t *testing.T) {
	ts, l := newTestServer(t, Config{}, nil)

	resp := postMessage(t, ts, "conv", "hello")
	resp.Body.Close()

	stream, err := http.Get(ts.URL + "/v1/conversations/conv/events")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	l.last().feed(assistantLine("streamed"), resultLine)

	events := readSSE(t, stream.Body)
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
	if events[0].Type != protocol.EventTurnStart {
		t.Errorf("first event = %s", events[0].Type)
	}
	var text string
	for _, ev := range events {
		if ev.Type == protocol.EventBlockDelta {
			text += ev.Text
		}
	}
	if text != "streamed" {
		t.Errorf("text = %q", text)
	}
}

func TestEventsSSECompletedSendsFinal(t *testing.T) {
	ts, l := newTestServer(t, Config{}, nil)

	resp := postMessage(t, ts, "conv", "hello")
	resp.Body.Close()
	l.last().feed(assistantLine("answer"), resultLine)

	// Wait for completion.
	waitForProbe(t, ts, "conv", func(p session.ProbeResult) bool { return p.Completed })

	stream, err := http.Get(ts.URL + "/v1/conversations/conv/events")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()

	scanner := bufio.NewScanner(stream.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventName = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			if eventName != "final" {
				t.Fatalf("frame name = %q, want final", eventName)
			}
			var msg protocol.Message
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				t.Fatalf("parse final: %v", err)
			}
			if msg.Status != protocol.StatusOK || msg.Blocks[0].Text != "answer" {
				t.Errorf("final = %+v", msg)
			}
			return
		}
	}
	t.Fatal("no final frame received")
}

func TestEventsNoSession(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)
	resp, err := http.Get(ts.URL + "/v1/conversations/ghost/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProbeEndpoint(t *testing.T) {
	ts, l := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/v1/conversations/conv/probe")
	if err != nil {
		t.Fatal(err)
	}
	var probe session.ProbeResult
	json.NewDecoder(resp.Body).Decode(&probe)
	resp.Body.Close()
	if probe.Active || probe.Completed {
		t.Errorf("probe before start = %+v", probe)
	}

	postMessage(t, ts, "conv", "go").Body.Close()
	waitForProbe(t, ts, "conv", func(p session.ProbeResult) bool { return p.Active })
	l.last().feed(resultLine)
	waitForProbe(t, ts, "conv", func(p session.ProbeResult) bool { return p.Completed })
}

func TestCancelEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Post(ts.URL+"/v1/conversations/ghost/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel without session = %d, want 404", resp.StatusCode)
	}

	postMessage(t, ts, "conv", "go").Body.Close()
	resp, err = http.Post(ts.URL+"/v1/conversations/conv/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel = %d, want 200", resp.StatusCode)
	}
	waitForProbe(t, ts, "conv", func(p session.ProbeResult) bool { return p.Completed })
}

func TestBearerAuth(t *testing.T) {
	ts, _ := newTestServer(t, Config{Token: "s3cret"}, nil)

	// Health stays open.
	resp, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

type fakeMessageStore struct {
	msg       *protocol.Message
	summaries []store.ConversationSummary
}

func (s *fakeMessageStore) SaveMessage(ctx context.Context, msg protocol.Message) error { return nil }
func (s *fakeMessageStore) LatestMessage(ctx context.Context, conversationID string) (*protocol.Message, error) {
	return s.msg, nil
}
func (s *fakeMessageStore) ListConversations(ctx context.Context) ([]store.ConversationSummary, error) {
	return s.summaries, nil
}
func (s *fakeMessageStore) Close() error { return nil }

func TestGetMessageFromStore(t *testing.T) {
	messages := &fakeMessageStore{msg: &protocol.Message{
		ConversationID: "conv",
		Turn:           2,
		Status:         protocol.StatusOK,
	}}
	ts, _ := newTestServer(t, Config{}, messages)

	resp, err := http.Get(ts.URL + "/v1/conversations/conv/message")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msg protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Turn != 2 {
		t.Errorf("message = %+v", msg)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, &fakeMessageStore{})
	resp, err := http.Get(ts.URL + "/v1/conversations/ghost/message")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListConversationsEmpty(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, &fakeMessageStore{})
	resp, err := http.Get(ts.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func waitForProbe(t *testing.T, ts *httptest.Server, conv string, cond func(session.ProbeResult) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/conversations/" + conv + "/probe")
		if err != nil {
			t.Fatal(err)
		}
		var probe session.ProbeResult
		json.NewDecoder(resp.Body).Decode(&probe)
		resp.Body.Close()
		if cond(probe) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("probe condition never met")
}
