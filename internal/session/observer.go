package session

import (
	"sync"

	"github.com/turncast/turncast/internal/protocol"
)

// observer is one attached stream consumer. Each observer owns a bounded
// queue drained by its own pump goroutine, so a slow or stalled consumer
// never delays the broadcast path or other observers. When the queue would
// overflow, the observer is dropped instead of growing without bound.
type observer struct {
	mu      sync.Mutex
	queue   []protocol.Event
	max     int
	notify  chan struct{}
	out     chan protocol.Event
	done    chan struct{}
	closing bool
	dropped bool
}

func newObserver(replay []protocol.Event, max int) *observer {
	o := &observer{
		queue:  append([]protocol.Event(nil), replay...),
		max:    max,
		notify: make(chan struct{}, 1),
		out:    make(chan protocol.Event),
		done:   make(chan struct{}),
	}
	go o.pump()
	return o
}

// enqueue appends events for delivery. Returns false when the observer had to
// be dropped because its queue was full.
func (o *observer) enqueue(events []protocol.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing {
		return !o.dropped
	}
	if len(o.queue)+len(events) > o.max {
		o.dropped = true
		o.closing = true
		o.signal()
		return false
	}
	o.queue = append(o.queue, events...)
	o.signal()
	return true
}

// finish lets the pump drain whatever is queued, then close the out channel.
func (o *observer) finish() {
	o.mu.Lock()
	o.closing = true
	o.signal()
	o.mu.Unlock()
}

// stop abandons the observer immediately (consumer went away).
func (o *observer) stop() {
	o.mu.Lock()
	if !o.closing {
		o.closing = true
	}
	o.mu.Unlock()
	close(o.done)
}

func (o *observer) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *observer) pump() {
	defer close(o.out)
	for {
		o.mu.Lock()
		var next protocol.Event
		have := false
		if len(o.queue) > 0 {
			next = o.queue[0]
			o.queue = o.queue[1:]
			have = true
		}
		closing, dropped := o.closing, o.dropped
		o.mu.Unlock()

		if have {
			if dropped {
				// Queue contents are no longer a gap-free prefix guarantee
				// worth delivering; the consumer must reattach.
				return
			}
			select {
			case o.out <- next:
				continue
			case <-o.done:
				return
			}
		}

		if closing {
			return
		}

		select {
		case <-o.notify:
		case <-o.done:
			return
		}
	}
}
