package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/turncast/turncast/internal/protocol"
)

func sseHandler(t *testing.T, write func(w http.ResponseWriter, flush func())) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		write(w, flusher.Flush)
	}
}

func writeEvent(w http.ResponseWriter, ev protocol.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func TestAttachDecodesEvents(t *testing.T) {
	events := []protocol.Event{
		{Type: protocol.EventTurnStart, Seq: 0, Slot: protocol.NoSlot},
		{Type: protocol.EventBlockStart, Seq: 1, Slot: 0, Kind: protocol.KindText},
		{Type: protocol.EventBlockDelta, Seq: 2, Slot: 0, Text: "hi"},
		{Type: protocol.EventBlockStop, Seq: 3, Slot: 0},
		{Type: protocol.EventTurnStop, Seq: 4, Slot: protocol.NoSlot, Status: protocol.StatusOK},
	}
	ts := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, flush func()) {
		for _, ev := range events {
			writeEvent(w, ev)
			flush()
		}
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	frames, err := c.Attach(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var got []protocol.Event
	for frame := range frames {
		if frame.Event == nil {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		got = append(got, *frame.Event)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i].Type != events[i].Type || got[i].Seq != events[i].Seq {
			t.Errorf("event %d = %+v, want %+v", i, got[i], events[i])
		}
	}
}

func TestAttachDecodesFinalFrame(t *testing.T) {
	final := protocol.Message{ConversationID: "conv", Turn: 1, Status: protocol.StatusOK}
	ts := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, flush func()) {
		data, _ := json.Marshal(final)
		fmt.Fprintf(w, "event: final\ndata: %s\n\n", data)
		flush()
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	frames, err := c.Attach(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	frame, ok := <-frames
	if !ok || frame.Final == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Final.ConversationID != "conv" {
		t.Errorf("final = %+v", frame.Final)
	}
}

func TestAttachNoSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"no_session","message":"nope"}`)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if _, err := c.Attach(context.Background(), "ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestWatchSuppressesReplayedEvents(t *testing.T) {
	// First attach delivers seq 0-2 and drops the connection; the second
	// replays from zero and completes the turn. The consumer must see each
	// sequence number once.
	var attempts atomic.Int32
	ts := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, flush func()) {
		n := attempts.Add(1)
		for seq := int64(0); seq <= 2; seq++ {
			writeEvent(w, protocol.Event{Type: protocol.EventBlockDelta, Seq: seq, Slot: 0, Text: fmt.Sprintf("c%d", seq)})
			flush()
		}
		if n == 1 {
			return // simulated disconnect mid-turn
		}
		writeEvent(w, protocol.Event{Type: protocol.EventBlockDelta, Seq: 3, Slot: 0, Text: "c3"})
		writeEvent(w, protocol.Event{Type: protocol.EventTurnStop, Seq: 4, Slot: protocol.NoSlot, Status: protocol.StatusOK})
		flush()
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	frames, err := c.Watch(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	var seqs []int64
	deadline := time.After(10 * time.Second)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed early; seqs = %v", seqs)
			}
			seqs = append(seqs, frame.Event.Seq)
			if frame.Event.Terminal() {
				for i, seq := range seqs {
					if seq != int64(i) {
						t.Fatalf("seqs = %v, want each seq exactly once in order", seqs)
					}
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out; seqs = %v", seqs)
		}
	}
}

func TestSendMessageTurnActive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"turn_active","message":"busy"}`)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	if err := c.SendMessage(context.Background(), "conv", "hi"); !errors.Is(err, ErrTurnActive) {
		t.Errorf("err = %v, want ErrTurnActive", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"active":false,"completed":false,"seq_count":0}`)
	}))
	defer ts.Close()

	c := New(ts.URL, "tok")
	if _, err := c.Probe(context.Background(), "conv"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
}
