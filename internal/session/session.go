// Package session owns live conversation sessions: one subprocess-backed
// turn per conversation at a time, a replay buffer of every event emitted
// since turn start, and fan-out of the live stream to any number of attached
// observers. Resume is just "attach late": replay from sequence zero, then
// live, with no gap and no duplicate.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/rebuild"
	"github.com/turncast/turncast/internal/translate"
	"github.com/turncast/turncast/internal/upstream"
)

var (
	// ErrTurnActive is returned when a turn is already streaming for the
	// conversation. Exactly one subprocess per conversation.
	ErrTurnActive = errors.New("session: a turn is already in progress")
	// ErrNoSession is returned when no session exists for the conversation.
	ErrNoSession = errors.New("session: no active session")
)

// State is the session lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
)

// Session holds one conversation's live turn: the subprocess handle, the
// replay buffer, and the attached observers. All mutation happens under mu;
// the broadcast path and the attach path share it, which is what makes
// replay-then-live gap-free.
type Session struct {
	conversationID string

	mu           sync.Mutex
	state        State
	turn         int
	nextSeq      int64
	buf          []protocol.Event
	lastEventAt  time.Time
	observers    map[*observer]struct{}
	engine       *rebuild.Engine
	translator   *translate.Translator
	proc         upstream.Process
	final        *protocol.Message
	terminalSent bool
	cancelReq    bool
	log          *eventLog
	evict        *time.Timer
}

// broadcastLocked assigns sequence numbers, extends the replay buffer, folds
// the events into the server-side engine, and fans out to every observer.
// Caller holds s.mu.
func (s *Session) broadcastLocked(events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	for i := range events {
		events[i].Seq = s.nextSeq
		s.nextSeq++
	}
	s.buf = append(s.buf, events...)
	s.lastEventAt = time.Now()
	eventsBroadcastTotal.Add(float64(len(events)))

	for i := range events {
		s.engine.Apply(events[i])
		if events[i].Type == protocol.EventTurnStart && s.state == StateStarting {
			s.state = StateStreaming
		}
	}

	if err := s.log.Append(events); err != nil {
		s.log.Close()
		s.log = nil
	}

	for o := range s.observers {
		if !o.enqueue(events) {
			delete(s.observers, o)
			observersDroppedTotal.Inc()
			observersActive.Dec()
		}
	}
}

// Subscription is a live event stream handed to one observer. Close detaches
// the observer; it never affects the subprocess.
type Subscription struct {
	events <-chan protocol.Event
	cancel func()
	once   sync.Once
}

// Events returns the ordered, gap-free event channel. It is closed after the
// terminal event is delivered, or early if the observer was dropped for lag.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.events
}

// Close detaches the observer.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Attachment is the result of attaching to a conversation: a live stream
// while a turn is in flight, or the finished message when the turn already
// completed.
type Attachment struct {
	Stream *Subscription
	Final  *protocol.Message
}

// ProbeResult answers a resume probe without streaming anything.
type ProbeResult struct {
	Active      bool      `json:"active"`
	Completed   bool      `json:"completed"`
	SeqCount    int64     `json:"seq_count"`
	LastEventAt time.Time `json:"last_event_at,omitzero"`
}
