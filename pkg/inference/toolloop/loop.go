package toolloop

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/inference/tools"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// Loop drives a run: backend call, tool execution, history fold and stop
// check, repeated until the run terminates. A Loop holds no per-run state
// and can serve concurrent runs.
type Loop struct {
	eng      engine.Engine
	registry tools.ToolRegistry
	executor tools.ToolExecutor
	loopCfg  LoopConfig
	toolCfg  tools.ToolConfig

	stopWhen    StopCondition
	prepareStep PrepareStepFunc
	onStep      StepFinishHook
	structured  *engine.StructuredOutputConfig
	sinks       []events.EventSink
}

type Option func(*Loop)

func New(opts ...Option) *Loop {
	l := &Loop{
		loopCfg: DefaultLoopConfig(),
		toolCfg: tools.DefaultToolConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func WithEngine(eng engine.Engine) Option {
	return func(l *Loop) { l.eng = eng }
}

func WithRegistry(reg tools.ToolRegistry) Option {
	return func(l *Loop) { l.registry = reg }
}

func WithLoopConfig(cfg LoopConfig) Option {
	return func(l *Loop) { l.loopCfg = cfg }
}

// WithToolConfig configures the default executor. It has no effect when
// WithExecutor is used.
func WithToolConfig(cfg tools.ToolConfig) Option {
	return func(l *Loop) { l.toolCfg = cfg }
}

func WithExecutor(exec tools.ToolExecutor) Option {
	return func(l *Loop) { l.executor = exec }
}

// WithStopWhen sets the stop condition evaluated after every completed step.
func WithStopWhen(cond StopCondition) Option {
	return func(l *Loop) { l.stopWhen = cond }
}

func WithPrepareStep(fn PrepareStepFunc) Option {
	return func(l *Loop) { l.prepareStep = fn }
}

func WithStepFinishHook(h StepFinishHook) Option {
	return func(l *Loop) { l.onStep = h }
}

// WithStructuredOutput requires the final text of a run to be JSON valid
// against cfg.Schema.
func WithStructuredOutput(cfg engine.StructuredOutputConfig) Option {
	return func(l *Loop) {
		if cfg.Mode == "" {
			cfg.Mode = engine.StructuredOutputModeJSONSchema
		}
		l.structured = &cfg
	}
}

// WithEventSinks adds sinks receiving every event of every run. Sinks
// attached to the run context with events.WithEventSinks are used as well.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(l *Loop) { l.sinks = append(l.sinks, sinks...) }
}

// run is the state of a single RunLoop call.
type run struct {
	l       *Loop
	em      *emitter
	history *turns.History
	start   int
	steps   []Step
	usage   engine.Usage
}

// RunLoop runs steps against history until the backend stops calling tools,
// the stop condition holds, or the step cap is reached. Messages produced by the
// run are appended to history.
//
// Cancelling ctx ends the run with OutcomeCancelled and a nil error. Backend
// failures and escalated tool failures return a *RunError; an invalid
// structured output returns a *NoOutputError. Exactly one terminal event is
// emitted in every case.
func (l *Loop) RunLoop(ctx context.Context, history *turns.History) (*Result, error) {
	if l == nil || l.eng == nil {
		return nil, ErrNoEngine
	}
	if history == nil {
		return nil, ErrNoHistory
	}
	if ctx == nil {
		ctx = context.Background()
	}

	info, _ := RunInfoFromContext(ctx)
	if info.RunID == "" {
		info.RunID = uuid.NewString()
	}
	sinks := append(append([]events.EventSink{}, l.sinks...), events.GetEventSinks(ctx)...)
	r := &run{
		l:       l,
		em:      newEmitter(info, sinks),
		history: history,
		start:   history.Len(),
	}

	maxSteps := l.loopCfg.maxSteps(l.stopWhen != nil)
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return r.cancelled(ctx, i, "cancelled before step"), nil
		}

		log.Debug().Str("run_id", info.RunID).Int("step", i).Msg("toolloop: engine inference step")
		step, partial, err := r.inference(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, i, "cancelled during inference"), nil
			}
			return r.fail(i, RunErrorKindBackend, partial, err)
		}
		r.usage = r.usage.Add(step.Usage)

		if step.FinishReason.IsFatal() {
			kind := RunErrorKindBackend
			if step.FinishReason == engine.FinishReasonContentFilter {
				kind = RunErrorKindContentFilter
			}
			// kept for diagnostics, nothing is appended to history
			r.steps = append(r.steps, step)
			return r.fail(i, kind, step.Text, errors.Errorf("backend finished with reason %s", step.FinishReason))
		}

		if step.Text != "" || len(step.ToolCalls) > 0 {
			r.history.Append(turns.NewAssistantMessage(step.Text, step.ToolCalls...))
		}

		var escalated error
		if len(step.ToolCalls) > 0 {
			step.ToolResults, escalated = r.executeTools(ctx, i, step.ToolCalls)
			r.history.Append(turns.NewToolResultMessage(step.ToolResults...))
		}

		r.steps = append(r.steps, step)
		r.em.publish(events.NewStepFinishEvent(r.em.meta(i), step.Text, string(step.FinishReason), len(step.ToolCalls), step.Usage))
		if l.onStep != nil {
			l.onStep(ctx, step)
		}

		if escalated != nil {
			return r.fail(i, RunErrorKindTool, "", escalated)
		}
		if ctx.Err() != nil {
			return r.cancelled(ctx, i, "cancelled during tool execution"), nil
		}
		if len(step.ToolCalls) == 0 {
			return r.finish()
		}
		if l.stopWhen != nil && l.stopWhen(r.steps) {
			log.Debug().Str("run_id", info.RunID).Int("steps", len(r.steps)).Msg("toolloop: stop condition met")
			return r.finish()
		}
		if maxSteps > 0 && len(r.steps) >= maxSteps {
			log.Warn().Str("run_id", info.RunID).Int("max_steps", maxSteps).Msg("toolloop: maximum steps reached")
			return r.finish()
		}
	}
}

// inference runs the backend for one step and emits its start and delta
// events. On failure it returns the text produced before the failure.
func (r *run) inference(ctx context.Context, index int) (Step, string, error) {
	l := r.l
	defs := r.activeTools()
	choice := l.loopCfg.ToolChoice
	if l.prepareStep != nil {
		settings := l.prepareStep(ctx, index, r.steps)
		if settings.ActiveTools != nil {
			defs = filterTools(defs, settings.ActiveTools)
		}
		if settings.ToolChoice != "" {
			choice = settings.ToolChoice
		}
	}

	names := make([]string, 0, len(defs))
	specs := make([]engine.ToolSpec, 0, len(defs))
	for i := range defs {
		names = append(names, defs[i].Name)
		specs = append(specs, defs[i].Spec())
	}

	msgs := r.history.Snapshot()
	req := &engine.Request{
		Messages:         msgs,
		Tools:            specs,
		ToolChoice:       choice,
		Inference:        l.loopCfg.Inference,
		StructuredOutput: l.structured,
	}
	if len(specs) == 0 {
		req.ToolChoice = ""
	}

	r.em.publish(events.NewStepStartEvent(r.em.meta(index), names))

	var resp *engine.Response
	var partial string
	var err error
	if se, ok := l.eng.(engine.StreamingEngine); ok {
		resp, partial, err = r.stream(ctx, index, se, req)
	} else {
		resp, err = r.generate(ctx, index, req)
	}
	if err != nil {
		return Step{}, partial, err
	}

	return Step{
		Index:        index,
		Input:        StepInput{Messages: msgs, Tools: names},
		Text:         resp.Text,
		ToolCalls:    resp.ToolCalls,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Response:     resp.Metadata,
	}, "", nil
}

func (r *run) stream(ctx context.Context, index int, se engine.StreamingEngine, req *engine.Request) (*engine.Response, string, error) {
	ds, err := se.Stream(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = ds.Close()
	}()

	acc := engine.NewAccumulator()
	for {
		if err := ctx.Err(); err != nil {
			return nil, acc.Text(), err
		}
		d, err := ds.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, acc.Text(), err
		}
		completed, err := acc.Add(d)
		if err != nil {
			return nil, acc.Text(), err
		}

		switch d.Kind {
		case engine.DeltaKindText:
			if d.Text != "" {
				r.em.publish(events.NewTextDeltaEvent(r.em.meta(index), d.Text, acc.Text()))
			}
		case engine.DeltaKindToolCallStart:
			id := acc.LastCallID()
			r.em.publish(events.NewToolCallStartEvent(r.em.meta(index), events.ToolCall{ID: id, Name: d.ToolName}))
			if d.Arguments != "" {
				r.em.publish(events.NewToolCallDeltaEvent(r.em.meta(index), id, d.Arguments))
			}
		case engine.DeltaKindToolCallArgs:
			id := d.ToolCallID
			if id == "" {
				id = acc.LastCallID()
			}
			if d.Arguments != "" {
				r.em.publish(events.NewToolCallDeltaEvent(r.em.meta(index), id, d.Arguments))
			}
		case engine.DeltaKindToolCallEnd, engine.DeltaKindFinish:
		}
		r.publishCompleted(index, completed)
	}
	r.publishCompleted(index, acc.Flush())

	return acc.Response(), "", nil
}

// generate calls a non-streaming backend and synthesizes the events a
// streaming backend would have produced.
func (r *run) generate(ctx context.Context, index int, req *engine.Request) (*engine.Response, error) {
	resp, err := r.l.eng.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("backend returned no response")
	}
	if resp.FinishReason == "" {
		resp.FinishReason = engine.FinishReasonStop
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = engine.FinishReasonToolCalls
		}
	}
	if resp.Text != "" {
		r.em.publish(events.NewTextDeltaEvent(r.em.meta(index), resp.Text, resp.Text))
	}
	for i, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
			resp.ToolCalls[i] = c
		}
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage("{}")
			resp.ToolCalls[i] = c
		}
		r.em.publish(events.NewToolCallStartEvent(r.em.meta(index), events.ToolCall{ID: c.ID, Name: c.Name}))
		r.em.publish(events.NewToolCallDeltaEvent(r.em.meta(index), c.ID, string(c.Arguments)))
	}
	r.publishCompleted(index, resp.ToolCalls)
	return resp, nil
}

func (r *run) publishCompleted(index int, calls []turns.ToolCall) {
	for _, c := range calls {
		r.em.publish(events.NewToolCallCompleteEvent(r.em.meta(index), events.ToolCall{
			ID:    c.ID,
			Name:  c.Name,
			Input: string(c.Arguments),
		}))
	}
}

func (r *run) executeTools(ctx context.Context, index int, calls []turns.ToolCall) ([]turns.ToolResult, error) {
	exec := r.l.executor
	if exec == nil {
		exec = tools.NewDefaultToolExecutor(r.l.toolCfg)
	}

	results, escalated := exec.ExecuteToolCalls(ctx, calls, r.l.registry)

	out := make([]turns.ToolResult, len(calls))
	for i, c := range calls {
		var res *tools.ToolResult
		if i < len(results) {
			res = results[i]
		}
		if res == nil {
			res = &tools.ToolResult{ID: c.ID, Name: c.Name, Error: "no result returned", ErrorKind: tools.ErrorKindExecution}
		}
		res.ID, res.Name = c.ID, c.Name
		out[i] = res.ToTurns()
		r.em.publish(events.NewToolResultEvent(r.em.meta(index), res.ToEvent()))
	}
	return out, escalated
}

func (r *run) activeTools() []tools.ToolDefinition {
	if r.l.registry == nil {
		return nil
	}
	return r.l.toolCfg.FilterTools(r.l.registry.ListTools())
}

func filterTools(defs []tools.ToolDefinition, names []string) []tools.ToolDefinition {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	ret := make([]tools.ToolDefinition, 0, len(names))
	for _, d := range defs {
		if keep[d.Name] {
			ret = append(ret, d)
		}
	}
	return ret
}

func (r *run) lastStep() (Step, bool) {
	if len(r.steps) == 0 {
		return Step{}, false
	}
	return r.steps[len(r.steps)-1], true
}

func (r *run) result(outcome Outcome) *Result {
	res := &Result{
		RunID:    r.em.info.RunID,
		Outcome:  outcome,
		Steps:    r.steps,
		Usage:    r.usage,
		Messages: r.history.Since(r.start),
	}
	if last, ok := r.lastStep(); ok {
		res.Text = last.Text
		res.FinishReason = last.FinishReason
	}
	return res
}

func (r *run) finish() (*Result, error) {
	res := r.result(OutcomeCompleted)
	last, _ := r.lastStep()

	if r.l.structured != nil {
		out, err := r.l.structured.ValidateOutput(res.Text)
		if err != nil {
			noOut := &NoOutputError{Text: res.Text, Response: last.Response, Usage: r.usage, Err: err}
			r.em.publish(events.NewErrorEvent(r.em.meta(last.Index), "no-output", noOut))
			res.Outcome = OutcomeFailed
			return res, noOut
		}
		res.Output = out
	}

	r.em.publish(events.NewRunFinishEvent(r.em.meta(last.Index), res.Text, res.Output, string(res.FinishReason), len(r.steps), r.usage))
	log.Debug().Str("run_id", res.RunID).Int("steps", len(r.steps)).Object("usage", r.usage).Msg("toolloop: run finished")
	return res, nil
}

func (r *run) fail(index int, kind RunErrorKind, partial string, err error) (*Result, error) {
	runErr := &RunError{
		Kind:        kind,
		Step:        index,
		Steps:       r.steps,
		Usage:       r.usage,
		PartialText: partial,
		Err:         err,
	}
	r.em.publish(events.NewErrorEvent(r.em.meta(index), string(kind), runErr))
	log.Warn().Err(err).Str("run_id", r.em.info.RunID).Int("step", index).Str("kind", string(kind)).Msg("toolloop: run failed")

	res := r.result(OutcomeFailed)
	if partial != "" {
		res.Text = partial
	}
	return res, runErr
}

func (r *run) cancelled(ctx context.Context, index int, reason string) *Result {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = reason + ": " + cause.Error()
	}
	r.em.publish(events.NewAbortEvent(r.em.meta(index), reason, len(r.steps)))
	log.Debug().Str("run_id", r.em.info.RunID).Str("reason", reason).Msg("toolloop: run cancelled")
	return r.result(OutcomeCancelled)
}
