package middleware

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

// ErrStreamClosedEarly is reported to observers when a stream is closed
// before the backend finished.
var ErrStreamClosedEarly = errors.New("stream closed before completion")

// HandlerFunc starts one backend generation and returns its delta stream.
type HandlerFunc func(ctx context.Context, req *engine.Request) (engine.DeltaStream, error)

// Middleware wraps a HandlerFunc with additional functionality.
// Middleware are applied in order: Chain(m1, m2, m3) results in m1(m2(m3(handler))).
type Middleware func(HandlerFunc) HandlerFunc

// Chain composes multiple middleware into a single HandlerFunc.
func Chain(handler HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// engineHandlerFunc adapts an Engine to HandlerFunc. Non-streaming engines
// have their complete response replayed as deltas.
func engineHandlerFunc(e engine.Engine) HandlerFunc {
	if se, ok := e.(engine.StreamingEngine); ok {
		return se.Stream
	}
	return func(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
		resp, err := e.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return engine.NewResponseStream(resp), nil
	}
}

// EngineWithMiddleware wraps an Engine with a middleware chain.
type EngineWithMiddleware struct {
	handler HandlerFunc
}

// StreamingEngineWithMiddleware is returned for engines that stream, so the
// wrapped engine keeps that capability.
type StreamingEngineWithMiddleware struct {
	EngineWithMiddleware
}

// NewEngineWithMiddleware wraps e with the given middlewares. The result
// implements engine.StreamingEngine exactly when e does.
func NewEngineWithMiddleware(e engine.Engine, middlewares ...Middleware) engine.Engine {
	inner := EngineWithMiddleware{handler: Chain(engineHandlerFunc(e), middlewares...)}
	if _, ok := e.(engine.StreamingEngine); ok {
		return &StreamingEngineWithMiddleware{EngineWithMiddleware: inner}
	}
	return &inner
}

// Generate runs the middleware chain followed by the underlying engine and
// collects the result.
func (e *EngineWithMiddleware) Generate(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	s, err := e.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	return engine.Collect(ctx, s)
}

func (e *StreamingEngineWithMiddleware) Stream(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
	return e.handler(ctx, req)
}

var _ engine.StreamingEngine = &StreamingEngineWithMiddleware{}

// observedStream calls onDone exactly once when the wrapped stream ends,
// with the accumulated response or the error that ended it.
type observedStream struct {
	engine.DeltaStream
	acc    *engine.Accumulator
	onDone func(*engine.Response, error)
	done   bool
}

func (s *observedStream) Recv() (engine.Delta, error) {
	d, err := s.DeltaStream.Recv()
	if err != nil {
		s.finish(err)
		return d, err
	}
	if _, aerr := s.acc.Add(d); aerr != nil {
		s.finish(aerr)
	}
	return d, nil
}

func (s *observedStream) Close() error {
	s.finish(ErrStreamClosedEarly)
	return s.DeltaStream.Close()
}

func (s *observedStream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	if !errors.Is(err, io.EOF) {
		s.onDone(nil, err)
		return
	}
	s.onDone(s.acc.Response(), nil)
}
