// Package fixtures provides a scripted backend that replays canned
// responses. It is used by tests and by the CLI's offline mode.
package fixtures

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

var ErrScriptExhausted = errors.New("scripted engine has no more steps")

// ScriptedEngine replays a Script, one step per backend call. It is safe for
// concurrent use; concurrent runs consume steps from the same script.
type ScriptedEngine struct {
	script     *Script
	repeatLast bool

	mu       sync.Mutex
	next     int
	requests []*engine.Request
}

type Option func(*ScriptedEngine)

// WithRepeatLast keeps replaying the final step once the script is exhausted.
func WithRepeatLast() Option {
	return func(e *ScriptedEngine) {
		e.repeatLast = true
	}
}

func NewScriptedEngine(script *Script, opts ...Option) *ScriptedEngine {
	e := &ScriptedEngine{script: script}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewScriptedEngineFromSteps is a shorthand for tests.
func NewScriptedEngineFromSteps(steps ...ScriptStep) *ScriptedEngine {
	return NewScriptedEngine(&Script{Steps: steps})
}

// Requests returns the requests received so far.
func (e *ScriptedEngine) Requests() []*engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*engine.Request{}, e.requests...)
}

// Calls returns the number of backend calls made so far.
func (e *ScriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *ScriptedEngine) take(req *engine.Request) (int, ScriptStep, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	idx := e.next
	if idx >= len(e.script.Steps) {
		if !e.repeatLast || len(e.script.Steps) == 0 {
			return idx, ScriptStep{}, ErrScriptExhausted
		}
		idx = len(e.script.Steps) - 1
	}
	e.next++
	return e.next - 1, e.script.Steps[idx], nil
}

func (e *ScriptedEngine) Stream(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
	n, step, err := e.take(req)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("call", n).Int("messages", len(req.Messages)).Int("tools", len(req.Tools)).Msg("fixtures: scripted stream started")

	return &scriptedStream{
		ctx:    ctx,
		step:   step,
		deltas: e.deltas(n, step),
	}, nil
}

func (e *ScriptedEngine) Generate(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	s, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return engine.Collect(ctx, s)
}

func (e *ScriptedEngine) deltas(n int, step ScriptStep) []engine.Delta {
	var ds []engine.Delta
	for _, c := range step.chunks() {
		ds = append(ds, engine.Delta{Kind: engine.DeltaKindText, Text: c})
	}
	for i, tc := range step.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", n, i)
		}
		args := string(tc.Arguments)
		half := len(args) / 2
		for half > 0 && !utf8.RuneStart(args[half]) {
			half--
		}
		ds = append(ds,
			engine.Delta{Kind: engine.DeltaKindToolCallStart, ToolCallID: id, ToolName: tc.Name},
			engine.Delta{Kind: engine.DeltaKindToolCallArgs, ToolCallID: id, Arguments: args[:half]},
			engine.Delta{Kind: engine.DeltaKindToolCallArgs, ToolCallID: id, Arguments: args[half:]},
			engine.Delta{Kind: engine.DeltaKindToolCallEnd, ToolCallID: id},
		)
	}
	if step.Error != "" {
		return ds
	}
	model := e.script.Model
	if model == "" {
		model = "scripted"
	}
	ds = append(ds, engine.Delta{
		Kind:         engine.DeltaKindFinish,
		FinishReason: step.finishReason(),
		Usage:        step.Usage,
		Metadata: &engine.ResponseMetadata{
			ID:        fmt.Sprintf("scripted-%d", n),
			Model:     model,
			Timestamp: time.Now(),
		},
	})
	return ds
}

type scriptedStream struct {
	ctx    context.Context
	step   ScriptStep
	deltas []engine.Delta
	closed bool
}

func (s *scriptedStream) Recv() (engine.Delta, error) {
	if s.closed {
		return engine.Delta{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return engine.Delta{}, err
	}
	if s.step.Block {
		<-s.ctx.Done()
		return engine.Delta{}, s.ctx.Err()
	}
	if len(s.deltas) == 0 {
		if s.step.Error != "" {
			return engine.Delta{}, errors.New(s.step.Error)
		}
		return engine.Delta{}, io.EOF
	}
	if s.step.Delay > 0 {
		t := time.NewTimer(s.step.Delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return engine.Delta{}, s.ctx.Err()
		}
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// NonStreaming hides the streaming capability of an engine, so callers only
// see Generate.
type NonStreaming struct {
	Engine engine.Engine
}

func (n NonStreaming) Generate(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	return n.Engine.Generate(ctx, req)
}

// ToolCall is a convenience constructor for script steps in tests.
func ToolCall(id, name, args string) ScriptToolCall {
	return ScriptToolCall{ID: id, Name: name, Arguments: Arguments(args)}
}

var (
	_ engine.StreamingEngine = (*ScriptedEngine)(nil)
	_ engine.Engine          = NonStreaming{}
)
