package engine

import (
	"context"
)

// Engine is a language-model backend. Given the conversation so far and the
// tools on offer, it produces text, tool calls, or both, plus finish and
// usage metadata. Implementations must honour ctx cancellation.
type Engine interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// StreamingEngine is an Engine that can also deliver its output incrementally.
type StreamingEngine interface {
	Engine

	// Stream starts a generation. The returned DeltaStream yields deltas in
	// generation order and is terminated by io.EOF.
	Stream(ctx context.Context, req *Request) (DeltaStream, error)
}

// DeltaStream is an in-flight streaming generation.
type DeltaStream interface {
	// Recv returns the next delta, io.EOF once the backend has finished, or
	// the backend or context error that ended the stream.
	Recv() (Delta, error)
	Close() error
}
