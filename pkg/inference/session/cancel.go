package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCancelled is the cause recorded when a run is cancelled by its caller.
	ErrCancelled = errors.New("run cancelled")
	// ErrTimeout is the cause recorded when a run exceeds its timeout.
	ErrTimeout = errors.New("run timed out")
)

type tokenState int

const (
	tokenActive tokenState = iota
	tokenCancelled
	tokenFinished
)

// CancelToken is the single cancellation signal of a run. Backend calls and
// tool executors observe it through Context.
//
// The token leaves the active state exactly once: either it is cancelled, or
// the run finishes. Later transitions are no-ops.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	state tokenState
	timer *time.Timer
}

// NewCancelToken derives a token from parent. Cancelling parent cancels the token.
func NewCancelToken(parent context.Context) *CancelToken {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Cancel cancels the token. It returns true only for the call that performed
// the transition; cancelling a finished or already cancelled token returns false.
func (t *CancelToken) Cancel() bool {
	return t.cancelWithCause(ErrCancelled)
}

// CancelAfter cancels the token with ErrTimeout once d has elapsed, unless the
// token has left the active state by then.
func (t *CancelToken) CancelAfter(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != tokenActive {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.cancelWithCause(ErrTimeout)
	})
}

func (t *CancelToken) cancelWithCause(cause error) bool {
	t.mu.Lock()
	if t.state != tokenActive {
		t.mu.Unlock()
		return false
	}
	t.state = tokenCancelled
	t.stopTimerLocked()
	t.mu.Unlock()

	t.cancel(cause)
	return true
}

// Finish marks the run as terminated and releases the context.
func (t *CancelToken) Finish() {
	t.mu.Lock()
	if t.state == tokenActive {
		t.state = tokenFinished
	}
	t.stopTimerLocked()
	t.mu.Unlock()

	t.cancel(context.Canceled)
}

// Cancelled reports whether the token was cancelled, by the caller, by a
// timeout, or through its parent context, before the run finished.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == tokenCancelled {
		return true
	}
	return t.state == tokenActive && t.ctx.Err() != nil
}

// Cause returns why the token was cancelled, or nil.
func (t *CancelToken) Cause() error {
	t.mu.Lock()
	finished := t.state == tokenFinished
	t.mu.Unlock()
	if finished || t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

func (t *CancelToken) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
