package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

var (
	ErrSessionNil           = errors.New("session is nil")
	ErrSessionRunnerNil     = errors.New("session runner is nil")
	ErrSessionAlreadyActive = errors.New("session already has an active run")
	ErrSessionNoActive      = errors.New("session has no active run")
	ErrSessionEmptyHistory  = errors.New("session history is empty")
)

// Session represents a long-lived, multi-turn interaction.
//
// It owns:
// - a stable SessionID
// - the conversation history, extended by each run
// - the invariant that only one run is active at a time
type Session struct {
	SessionID string
	History   *turns.History
	Runner    Runner

	// RunOptions are applied to every run the session starts.
	RunOptions []RunOption

	mu     sync.Mutex
	active *Run
}

// NewSession constructs a Session with a generated SessionID and an empty history.
func NewSession(runner Runner) *Session {
	return &Session{
		SessionID: uuid.NewString(),
		History:   turns.NewHistory(),
		Runner:    runner,
	}
}

// IsRunning reports whether the session currently has an active run.
func (s *Session) IsRunning() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && !s.active.Finished()
}

// Active returns the current run, if any.
func (s *Session) Active() (*Run, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.Finished() {
		return nil, false
	}
	return s.active, true
}

// PrepareRun appends msgs to the history and reserves a run without starting
// it, so callers can subscribe before the first event. The run counts as
// active until it terminates, so the caller must Start it.
func (s *Session) PrepareRun(ctx context.Context, msgs ...turns.Message) (*Run, error) {
	if s == nil {
		return nil, ErrSessionNil
	}
	if s.Runner == nil {
		return nil, ErrSessionRunnerNil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.Finished() {
		return nil, ErrSessionAlreadyActive
	}
	if s.History == nil {
		s.History = turns.NewHistory()
	}
	s.History.Append(msgs...)
	if s.History.Len() == 0 {
		return nil, ErrSessionEmptyHistory
	}

	opts := append([]RunOption{WithSessionID(s.SessionID)}, s.RunOptions...)
	run := NewRun(ctx, s.Runner, s.History, opts...)
	s.active = run
	run.whenDone(func() {
		s.mu.Lock()
		if s.active == run {
			s.active = nil
		}
		s.mu.Unlock()
	})
	return run, nil
}

// StartRun appends msgs to the history and starts a run over it.
func (s *Session) StartRun(ctx context.Context, msgs ...turns.Message) (*Run, error) {
	run, err := s.PrepareRun(ctx, msgs...)
	if err != nil {
		return nil, err
	}
	if err := run.Start(); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelActive cancels the current active run, if any.
func (s *Session) CancelActive() error {
	if s == nil {
		return ErrSessionNil
	}
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil || r.Finished() || !r.Cancel() {
		return ErrSessionNoActive
	}
	// a prepared run only terminates once started; it aborts immediately
	if !r.isStarted() {
		_ = r.Start()
	}
	return nil
}
