package tools

import (
	"context"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

type currentToolCallKey struct{}

// WithCurrentToolCall annotates the context handed to a tool executor with the call it serves.
func WithCurrentToolCall(ctx context.Context, call turns.ToolCall) context.Context {
	return context.WithValue(ctx, currentToolCallKey{}, call)
}

// CurrentToolCallFromContext returns the current tool call if available.
func CurrentToolCallFromContext(ctx context.Context) (turns.ToolCall, bool) {
	if ctx == nil {
		return turns.ToolCall{}, false
	}
	call, ok := ctx.Value(currentToolCallKey{}).(turns.ToolCall)
	return call, ok
}
