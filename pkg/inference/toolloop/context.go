package toolloop

import (
	"context"
)

// RunInfo identifies a run in the events it emits.
type RunInfo struct {
	RunID     string
	SessionID string
	Extra     map[string]interface{}
}

type runInfoKey struct{}

// WithRunInfo attaches run identifiers to the context passed to RunLoop.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the run identifiers attached to the context, if any.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	if ctx == nil {
		return RunInfo{}, false
	}
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
