package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/turncast/turncast/internal/logx"
	"github.com/turncast/turncast/internal/protocol"
	"github.com/turncast/turncast/internal/rebuild"
	"github.com/turncast/turncast/internal/translate"
	"github.com/turncast/turncast/internal/upstream"
)

// Default tuning values for the session manager.
const (
	DefaultQueueSize = 1024
	DefaultLinger    = 2 * time.Minute
)

// Store persists finished messages. Implemented by the DuckDB message store;
// tests use in-memory fakes.
type Store interface {
	SaveMessage(ctx context.Context, msg protocol.Message) error
}

// Config configures the Manager.
type Config struct {
	// Launcher spawns the agent subprocess for each turn.
	Launcher upstream.Launcher
	// QueueSize bounds each observer's outbound queue.
	QueueSize int
	// Linger is how long a completed session answers late probes and
	// attaches before being evicted.
	Linger time.Duration
	// EventLogDir, when set, mirrors each turn's events to a JSONL file.
	EventLogDir string
}

// Manager is the explicit keyed table of conversation sessions. All attach,
// probe, start, and cancel operations go through it; there is no ambient
// global registry.
type Manager struct {
	cfg   Config
	store Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. store may be nil when persistence is
// disabled (tests, ephemeral serving).
func NewManager(cfg Config, store Store) *Manager {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Linger == 0 {
		cfg.Linger = DefaultLinger
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// Start begins a new turn for the conversation: spawns the subprocess, emits
// the immediate turn_start acknowledgment, and runs the read loop regardless
// of whether any observer is attached. Returns ErrTurnActive while a turn is
// in flight.
func (m *Manager) Start(ctx context.Context, conversationID, prompt string) error {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	if sess == nil {
		sess = &Session{conversationID: conversationID}
		m.sessions[conversationID] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	if sess.state == StateStarting || sess.state == StateStreaming {
		sess.mu.Unlock()
		return ErrTurnActive
	}
	if sess.evict != nil {
		sess.evict.Stop()
		sess.evict = nil
	}
	sess.state = StateStarting
	sess.turn++
	sess.nextSeq = 0
	sess.buf = nil
	sess.final = nil
	sess.terminalSent = false
	sess.cancelReq = false
	sess.observers = make(map[*observer]struct{})
	sess.engine = rebuild.NewEngine()
	sess.translator = translate.New()
	if m.cfg.EventLogDir != "" {
		log, err := openEventLog(m.cfg.EventLogDir, conversationID, sess.turn)
		if err != nil {
			logx.Log.Warn("Event log disabled for turn", "conversation", conversationID, "error", err)
		} else {
			sess.log = log
		}
	}
	turn := sess.turn
	sess.mu.Unlock()

	proc, err := m.cfg.Launcher.Launch(ctx, prompt)
	if err != nil {
		sess.mu.Lock()
		sess.state = StateCompleted
		sess.log.Close()
		sess.log = nil
		sess.mu.Unlock()
		m.scheduleEvict(sess)
		return fmt.Errorf("launch agent: %w", err)
	}

	sess.mu.Lock()
	sess.proc = proc
	tr := sess.translator
	// Immediate acknowledgment: the subprocess spawning is the upstream's
	// "turn begins" signal; observers get turn_start before any content.
	sess.broadcastLocked(tr.TurnBegun())
	sess.mu.Unlock()

	sessionsActive.Inc()
	logx.Log.Info("Turn started", "conversation", conversationID, "turn", turn)
	go m.readLoop(sess, proc, tr, turn)
	return nil
}

// readLoop drains the subprocess stdout, translating each envelope and
// broadcasting the result. It runs independently of observer presence and is
// bound to the turn it was started for: once a new turn begins, anything left
// over from this one is discarded rather than broadcast.
func (m *Manager) readLoop(sess *Session, proc upstream.Process, tr *translate.Translator, turn int) {
	for {
		line, err := proc.ReadLine()
		if err != nil {
			if err != io.EOF {
				logx.Log.Warn("Subprocess read failed", "conversation", sess.conversationID, "error", err)
			}
			break
		}

		env, err := upstream.ParseLine(line)
		if err != nil {
			m.broadcast(sess, turn, tr.Opaque("unparseable line"))
			continue
		}

		switch env.Type {
		case "system":
			// The CLI's init message doubles as a readiness signal; the
			// translator's guard makes a repeat harmless.
			m.broadcast(sess, turn, tr.TurnBegun())

		case "assistant":
			body, err := env.Body()
			if err != nil {
				m.broadcast(sess, turn, tr.Opaque("assistant"))
				continue
			}
			m.broadcast(sess, turn, tr.Assistant(body))

		case "user":
			body, err := env.Body()
			if err != nil {
				continue
			}
			m.broadcast(sess, turn, tr.ToolResults(body))

		case "result":
			status := protocol.StatusOK
			reason := ""
			if env.IsError {
				status = protocol.StatusError
				reason = env.Result
			}
			m.finish(sess, turn, status, reason, protocol.Usage{
				InputTokens:     env.Usage.InputTokens,
				OutputTokens:    env.Usage.OutputTokens,
				CacheReadTokens: env.Usage.CacheReadInputTokens,
				CostUSD:         env.TotalCostUSD,
			})

		default:
			m.broadcast(sess, turn, tr.Opaque(env.Type))
		}
	}

	// Stdout closed. If no result message arrived, the exit was abnormal:
	// synthesize a terminal event so no observer hangs forever.
	waitErr := proc.Wait()
	reason := "subprocess exited before completing the turn"
	if waitErr != nil {
		reason = fmt.Sprintf("subprocess exited: %v", waitErr)
	}
	if tail := proc.StderrTail(); tail != "" {
		reason += ": " + tail
	}
	m.finish(sess, turn, protocol.StatusError, reason, protocol.Usage{})
}

// broadcast fans out events produced by the read loop for the given turn.
// Events are dropped once that turn has its terminal event or a newer turn
// has begun, so a lingering read loop can neither re-grow a pruned replay
// buffer nor leak into the next turn's stream.
func (m *Manager) broadcast(sess *Session, turn int, events []protocol.Event) {
	sess.mu.Lock()
	if sess.turn == turn && !sess.terminalSent {
		sess.broadcastLocked(events)
	}
	sess.mu.Unlock()
}

// finish broadcasts the terminal event exactly once, completes the session,
// prunes the replay buffer, and hands the finished message to the store. A
// call for a superseded turn is a no-op.
func (m *Manager) finish(sess *Session, turn int, status protocol.TurnStatus, reason string, usage protocol.Usage) {
	sess.mu.Lock()
	if sess.turn != turn || sess.terminalSent {
		sess.mu.Unlock()
		return
	}
	sess.terminalSent = true
	if sess.cancelReq && status == protocol.StatusError {
		// The read loop observed the EOF caused by our own kill; report the
		// cancellation, not a subprocess failure.
		status, reason = protocol.StatusCancelled, "cancelled by user"
	}
	sess.broadcastLocked(sess.translator.TurnEnded(status, reason, usage))
	sess.state = StateCompleted

	msg := sess.engine.Snapshot().Message(sess.conversationID, sess.turn, time.Now())
	if status == protocol.StatusCancelled {
		msg.Status = protocol.StatusCancelled
	}
	sess.final = &msg

	// Terminal event is queued everywhere; let each pump drain, then close.
	for o := range sess.observers {
		o.finish()
		observersActive.Dec()
	}
	sess.observers = make(map[*observer]struct{})

	// Replay is no longer needed once the terminal state is persisted.
	sess.buf = nil
	sess.log.Close()
	sess.log = nil
	sess.mu.Unlock()

	sessionsActive.Dec()
	turnsCompletedTotal.WithLabelValues(string(msg.Status)).Inc()
	logx.Log.Info("Turn completed", "conversation", sess.conversationID, "turn", msg.Turn, "status", msg.Status)

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.SaveMessage(ctx, msg); err != nil {
			logx.Log.Error("Persist finished message failed", "conversation", sess.conversationID, "error", err)
		}
	}

	m.scheduleEvict(sess)
}

func (m *Manager) scheduleEvict(sess *Session) {
	sess.mu.Lock()
	sess.evict = time.AfterFunc(m.cfg.Linger, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		sess.mu.Lock()
		completed := sess.state == StateCompleted
		sess.mu.Unlock()
		if completed {
			delete(m.sessions, sess.conversationID)
		}
	})
	sess.mu.Unlock()
}

// Attach connects an observer to the conversation. While a turn is in
// flight it returns a stream that replays every event from sequence zero and
// continues live; replay and live delivery are indistinguishable. For a
// completed session it returns the terminal message directly. Attach never
// spawns a subprocess.
func (m *Manager) Attach(conversationID string) (*Attachment, error) {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	m.mu.Unlock()
	if sess == nil {
		return nil, ErrNoSession
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateCompleted {
		if sess.final == nil {
			return nil, ErrNoSession
		}
		return &Attachment{Final: sess.final}, nil
	}

	o := newObserver(sess.buf, m.cfg.QueueSize)
	sess.observers[o] = struct{}{}
	observersActive.Inc()

	sub := &Subscription{
		events: o.out,
		cancel: func() {
			sess.mu.Lock()
			if _, ok := sess.observers[o]; ok {
				delete(sess.observers, o)
				observersActive.Dec()
			}
			sess.mu.Unlock()
			o.stop()
		},
	}
	return &Attachment{Stream: sub}, nil
}

// Probe reports whether the conversation has a live or recently completed
// session, how many events have been emitted, and when the last one was.
// LastEventAt is exposed so an external supervision layer can detect stalls;
// the manager itself never declares a timeout.
func (m *Manager) Probe(conversationID string) ProbeResult {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	m.mu.Unlock()
	if sess == nil {
		return ProbeResult{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return ProbeResult{
		Active:      sess.state == StateStarting || sess.state == StateStreaming,
		Completed:   sess.state == StateCompleted,
		SeqCount:    sess.nextSeq,
		LastEventAt: sess.lastEventAt,
	}
}

// Cancel terminates the conversation's subprocess and broadcasts a terminal
// event with a cancellation marker. This is the only control path that kills
// the subprocess; observers detaching never do.
func (m *Manager) Cancel(conversationID string) error {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	sess.mu.Lock()
	active := sess.state == StateStarting || sess.state == StateStreaming
	proc := sess.proc
	turn := sess.turn
	sess.cancelReq = active
	sess.mu.Unlock()
	if !active {
		return ErrNoSession
	}

	if proc != nil {
		_ = proc.Stop()
	}
	m.finish(sess, turn, protocol.StatusCancelled, "cancelled by user", protocol.Usage{})
	return nil
}

// Final returns the finished message for a completed session still in the
// registry, or nil.
func (m *Manager) Final(conversationID string) *protocol.Message {
	m.mu.Lock()
	sess := m.sessions[conversationID]
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.final
}
