package stream

import (
	"context"
	"io"
	"iter"
	"sync"

	"github.com/go-go-golems/stepwise/pkg/events"
)

// Subscription is one consumer's view of a Hub. Read it with exactly one of
// Next, Events or Seq.
type Subscription struct {
	hub *Hub

	mu    sync.Mutex
	queue []events.Event
	ended bool

	// notify has capacity one and is signalled whenever queue or ended changes
	notify chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
	pumpOnce sync.Once
	out      chan events.Event
}

func newSubscription(h *Hub) *Subscription {
	return &Subscription{
		hub:    h,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan events.Event),
	}
}

func (s *Subscription) push(e events.Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next event is available. It returns io.EOF once the
// sequence has ended and every queued event has been consumed, or after Close.
func (s *Subscription) Next(ctx context.Context) (events.Event, error) {
	for {
		select {
		case <-s.stop:
			return nil, io.EOF
		default:
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return nil, io.EOF
		}

		select {
		case <-s.notify:
		case <-s.stop:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Events returns a channel carrying the subscription's events. The channel is
// closed when the sequence ends or the subscription is closed.
//
// A goroutine feeds the channel until then. A consumer that stops reading
// before the channel is closed must call Close, otherwise that goroutine stays
// blocked on the send.
func (s *Subscription) Events() <-chan events.Event {
	s.pumpOnce.Do(func() {
		go s.pump()
	})
	return s.out
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		e, err := s.Next(context.Background())
		if err != nil {
			return
		}
		select {
		case s.out <- e:
		case <-s.stop:
			return
		}
	}
}

// Seq returns the subscription as a range-over-func iterator. Breaking out of
// the loop closes the subscription.
func (s *Subscription) Seq() iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		for {
			e, err := s.Next(context.Background())
			if err != nil {
				return
			}
			if !yield(e) {
				s.Close()
				return
			}
		}
	}
}

// Pending returns the number of events queued but not yet consumed.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription from its hub and drops queued events.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.ended = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}
