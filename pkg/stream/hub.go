// Package stream fans a run's event sequence out to any number of consumers.
//
// A Hub is an events.EventSink. Every subscriber observes the same events in
// the same order; a subscriber attached mid-run sees only the suffix produced
// after it subscribed. The first terminal event (run-finish, error or abort)
// is delivered to all subscribers and then closes the hub.
//
// Publishing never waits on consumers: each subscription owns an unbounded
// queue, so a slow reader grows memory instead of stalling the run.
package stream

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/events"
)

type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	done   chan struct{}
	// published counts events accepted before close
	published uint64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
}

// PublishEvent enqueues e for every current subscriber. After the hub has
// closed it is a no-op.
func (h *Hub) PublishEvent(e events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		log.Trace().Str("event_type", string(e.Type())).Msg("stream: dropping event published after close")
		return nil
	}

	h.published++
	for s := range h.subs {
		s.push(e)
	}

	if e.Type().IsTerminal() {
		h.closeLocked()
	}
	return nil
}

// Subscribe attaches a new consumer. Subscribing to a closed hub returns a
// subscription whose sequence is already finished.
func (h *Hub) Subscribe() *Subscription {
	s := newSubscription(h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.end()
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Close ends every subscription without a terminal event. Used when a run
// could not be started at all.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closeLocked()
	}
}

// Done is closed once the hub stops accepting events.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Published returns the number of events accepted so far.
func (h *Hub) Published() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

func (h *Hub) closeLocked() {
	h.closed = true
	for s := range h.subs {
		s.end()
	}
	h.subs = map[*Subscription]struct{}{}
	close(h.done)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

var _ events.EventSink = (*Hub)(nil)
