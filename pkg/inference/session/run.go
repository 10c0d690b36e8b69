package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/inference/toolloop"
	"github.com/go-go-golems/stepwise/pkg/stream"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

var (
	ErrRunNil            = errors.New("run is nil")
	ErrRunAlreadyStarted = errors.New("run already started")
)

// Runner executes a run against a history. *toolloop.Loop implements it.
type Runner interface {
	RunLoop(ctx context.Context, history *turns.History) (*toolloop.Result, error)
}

var _ Runner = (*toolloop.Loop)(nil)

// Run is a handle on a single run. Subscribers attached before Start see the
// whole event sequence; later subscribers see the remainder.
type Run struct {
	ID        string
	SessionID string

	runner  Runner
	history *turns.History
	token   *CancelToken
	hub     *stream.Hub
	timeout time.Duration
	extra   map[string]interface{}

	done chan struct{}

	mu      sync.Mutex
	started bool
	result  *toolloop.Result
	err     error
	onDone  []func()
}

type RunOption func(*Run)

func WithRunID(id string) RunOption {
	return func(r *Run) { r.ID = id }
}

func WithSessionID(id string) RunOption {
	return func(r *Run) { r.SessionID = id }
}

// WithTimeout cancels the run with ErrTimeout once d has elapsed after Start.
func WithTimeout(d time.Duration) RunOption {
	return func(r *Run) { r.timeout = d }
}

// WithExtra attaches correlation values to every event of the run.
func WithExtra(extra map[string]interface{}) RunOption {
	return func(r *Run) { r.extra = extra }
}

// NewRun prepares a run of runner over history. The run's token derives from
// ctx. Nothing happens until Start is called.
func NewRun(ctx context.Context, runner Runner, history *turns.History, opts ...RunOption) *Run {
	r := &Run{
		ID:      uuid.NewString(),
		runner:  runner,
		history: history,
		token:   NewCancelToken(ctx),
		hub:     stream.NewHub(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe attaches a new consumer to the run's event stream.
func (r *Run) Subscribe() *stream.Subscription {
	return r.hub.Subscribe()
}

// Start launches the run in a goroutine. It fails if called twice.
func (r *Run) Start() error {
	if r == nil {
		return ErrRunNil
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRunAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	if r.timeout > 0 {
		r.token.CancelAfter(r.timeout)
	}

	ctx := toolloop.WithRunInfo(r.token.Context(), toolloop.RunInfo{
		RunID:     r.ID,
		SessionID: r.SessionID,
		Extra:     r.extra,
	})
	ctx = events.WithEventSinks(ctx, r.hub)

	go r.execute(ctx)
	return nil
}

func (r *Run) execute(ctx context.Context) {
	log.Debug().Str("run_id", r.ID).Str("session_id", r.SessionID).Msg("session: run started")

	var res *toolloop.Result
	var err error
	if r.runner == nil {
		err = errors.New("run has no runner")
	} else {
		res, err = r.runner.RunLoop(ctx, r.history)
	}

	// A runner that fails before emitting anything still owes subscribers a terminal event.
	if !r.hub.Closed() {
		cause := err
		if cause == nil {
			cause = errors.New("run ended without a terminal event")
		}
		_ = r.hub.PublishEvent(events.NewErrorEvent(events.EventMetadata{
			ID:        uuid.New(),
			RunID:     r.ID,
			SessionID: r.SessionID,
			Seq:       r.hub.Published() + 1,
		}, "internal", cause))
	}
	r.hub.Close()
	r.token.Finish()

	r.mu.Lock()
	r.result = res
	r.err = err
	callbacks := r.onDone
	r.onDone = nil
	close(r.done)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}

	l := log.Debug().Str("run_id", r.ID)
	if res != nil {
		l = l.Str("outcome", string(res.Outcome)).Int("steps", len(res.Steps))
	}
	l.Err(err).Msg("session: run ended")
}

// Cancel cancels the run. It returns true only if this call cancelled a
// running run; cancelling a finished or cancelled run is a no-op.
func (r *Run) Cancel() bool {
	if r == nil {
		return false
	}
	return r.token.Cancel()
}

// Wait blocks until the run terminates.
func (r *Run) Wait() (*toolloop.Result, error) {
	if r == nil {
		return nil, ErrRunNil
	}
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// WaitContext is Wait bounded by ctx.
func (r *Run) WaitContext(ctx context.Context) (*toolloop.Result, error) {
	if r == nil {
		return nil, ErrRunNil
	}
	select {
	case <-r.done:
		return r.Wait()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// IsRunning reports whether the run has been started and has not terminated.
func (r *Run) IsRunning() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Finished reports whether the run has terminated.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) Token() *CancelToken {
	return r.token
}

func (r *Run) Hub() *stream.Hub {
	return r.hub
}

func (r *Run) whenDone(cb func()) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		cb()
		return
	default:
	}
	r.onDone = append(r.onDone, cb)
	r.mu.Unlock()
}
