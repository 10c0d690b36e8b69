package tools

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

// ToolExecutorExt defines lifecycle hooks that can be overridden.
type ToolExecutorExt interface {
	// PreExecute may mutate the call or reject it. A rejection becomes a not_allowed result.
	PreExecute(ctx context.Context, call turns.ToolCall, registry ToolRegistry) (turns.ToolCall, error)

	// IsAllowed adds authorization beyond the AllowedTools patterns in config.
	IsAllowed(ctx context.Context, call turns.ToolCall) bool

	// ShouldRetry decides retry and backoff after a failed attempt.
	ShouldRetry(ctx context.Context, attempt int, res *ToolResult) (retry bool, backoff time.Duration)

	// MaxParallel decides concurrency for a batch.
	MaxParallel(ctx context.Context, calls []turns.ToolCall) int
}

// BaseToolExecutor hosts orchestration and default hook implementations.
type BaseToolExecutor struct {
	ToolExecutorExt // self reference used for dynamic dispatch
	config          ToolConfig
}

func NewBaseToolExecutor(cfg ToolConfig) *BaseToolExecutor {
	b := &BaseToolExecutor{config: cfg}
	b.ToolExecutorExt = b // default to self; outer types overwrite this
	return b
}

var _ ToolExecutorExt = (*BaseToolExecutor)(nil)
var _ ToolExecutor = (*BaseToolExecutor)(nil)

func (b *BaseToolExecutor) Config() ToolConfig {
	return b.config
}

func (b *BaseToolExecutor) PreExecute(_ context.Context, call turns.ToolCall, _ ToolRegistry) (turns.ToolCall, error) {
	return call, nil
}

func (b *BaseToolExecutor) IsAllowed(_ context.Context, call turns.ToolCall) bool {
	return b.config.IsToolAllowed(call.Name)
}

func (b *BaseToolExecutor) ShouldRetry(_ context.Context, attempt int, res *ToolResult) (bool, time.Duration) {
	if b.config.ToolErrorHandling != ToolErrorRetry {
		return false, 0
	}
	if res == nil || res.ErrorKind != ErrorKindExecution {
		return false, 0
	}
	rc := b.config.RetryConfig
	if attempt >= rc.MaxRetries {
		return false, 0
	}
	factor := rc.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return true, time.Duration(float64(rc.BackoffBase) * math.Pow(factor, float64(attempt)))
}

func (b *BaseToolExecutor) MaxParallel(_ context.Context, calls []turns.ToolCall) int {
	if b.config.MaxParallelTools <= 0 {
		return len(calls)
	}
	return b.config.MaxParallelTools
}

// ExecuteToolCall runs a single call. It never fails for tool-level problems;
// those are returned as error results. An escalated failure is returned both
// as an error result and as a non-nil *EscalationError.
func (b *BaseToolExecutor) ExecuteToolCall(ctx context.Context, call turns.ToolCall, registry ToolRegistry) (*ToolResult, error) {
	start := time.Now()
	res, err := b.executeToolCall(ctx, call, registry)
	res.Duration = time.Since(start)

	l := log.Debug().Str("tool", call.Name).Str("id", call.ID).Dur("duration", res.Duration)
	if res.IsError() {
		l = l.Str("error_kind", string(res.ErrorKind)).Str("error", res.Error)
	}
	l.Msg("tool call executed")

	return res, err
}

func (b *BaseToolExecutor) executeToolCall(ctx context.Context, call turns.ToolCall, registry ToolRegistry) (*ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return errorResult(call, ErrorKindCancelled, errors.New("execution cancelled")), nil
	}

	var err error
	original := call
	call, err = b.ToolExecutorExt.PreExecute(ctx, call, registry)
	if err != nil {
		return errorResult(original, ErrorKindNotAllowed, err), nil
	}
	ctx = WithCurrentToolCall(ctx, call)

	if registry == nil {
		return errorResult(call, ErrorKindUnknownTool, errors.Errorf("unknown tool: %s", call.Name)), nil
	}
	def, err := registry.GetTool(call.Name)
	if err != nil {
		return errorResult(call, ErrorKindUnknownTool, errors.Errorf("unknown tool: %s", call.Name)), nil
	}
	if !b.ToolExecutorExt.IsAllowed(ctx, call) {
		return errorResult(call, ErrorKindNotAllowed, errors.Errorf("tool not allowed: %s", call.Name)), nil
	}
	if err := def.ValidateInput(call.Arguments); err != nil {
		return errorResult(call, ErrorKindInvalidInput, err), nil
	}

	var result *ToolResult
	for attempt := 0; ; attempt++ {
		var escalated error
		result, escalated = b.executeOnce(ctx, call, def)
		result.Attempts = attempt + 1
		if escalated != nil {
			return result, escalated
		}
		if !result.IsError() {
			return result, nil
		}
		retry, backoff := b.ToolExecutorExt.ShouldRetry(ctx, attempt, result)
		if !retry {
			break
		}
		select {
		case <-ctx.Done():
			r := errorResult(call, ErrorKindCancelled, errors.New("cancelled during retry backoff"))
			r.Attempts = result.Attempts
			return r, nil
		case <-time.After(backoff):
		}
	}

	if result.ErrorKind == ErrorKindExecution && b.config.ToolErrorHandling == ToolErrorAbort {
		return result, &EscalationError{ToolName: call.Name, Err: errors.New(result.Error)}
	}
	return result, nil
}

func (b *BaseToolExecutor) executeOnce(ctx context.Context, call turns.ToolCall, def *ToolDefinition) (res *ToolResult, escalated error) {
	callCtx := ctx
	if b.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.ExecutionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = errorResult(call, ErrorKindExecution, fmt.Errorf("tool panicked: %v", r))
			escalated = nil
		}
	}()

	out, err := def.Function.ExecuteWithContext(callCtx, call.Arguments)
	switch {
	case err == nil && ctx.Err() != nil:
		return errorResult(call, ErrorKindCancelled, errors.New("execution cancelled")), nil
	case err == nil:
		return &ToolResult{ID: call.ID, Name: call.Name, Result: out}, nil
	case IsEscalation(err):
		var ee *EscalationError
		_ = errors.As(err, &ee)
		if ee.ToolName == "" {
			ee.ToolName = call.Name
		}
		return errorResult(call, ErrorKindExecution, ee.Err), ee
	case ctx.Err() != nil:
		return errorResult(call, ErrorKindCancelled, errors.New("execution cancelled")), nil
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return errorResult(call, ErrorKindTimeout, errors.Errorf("tool timed out after %s", b.config.ExecutionTimeout)), nil
	default:
		var te *ToolError
		if errors.As(err, &te) && te.Kind != "" {
			return errorResult(call, te.Kind, errors.New(te.Message)), nil
		}
		return errorResult(call, ErrorKindExecution, err), nil
	}
}

// ExecuteToolCalls runs all calls concurrently, bounded by MaxParallel, and
// returns results in call order. Every call gets a result even when one of
// them escalates; the first escalation in call order is returned.
func (b *BaseToolExecutor) ExecuteToolCalls(ctx context.Context, calls []turns.ToolCall, registry ToolRegistry) ([]*ToolResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	results := make([]*ToolResult, len(calls))
	errs := make([]error, len(calls))

	g := errgroup.Group{}
	if maxPar := b.ToolExecutorExt.MaxParallel(ctx, calls); maxPar > 0 {
		g.SetLimit(maxPar)
	}
	for i := range calls {
		idx := i
		g.Go(func() error {
			results[idx], errs[idx] = b.ExecuteToolCall(ctx, calls[idx], registry)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
