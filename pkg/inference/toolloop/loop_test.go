package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/inference/fixtures"
	"github.com/go-go-golems/stepwise/pkg/inference/tools"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

type capturingSink struct {
	mu     sync.Mutex
	events []events.Event
	onEv   func(e events.Event)
}

func (s *capturingSink) PublishEvent(e events.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	onEv := s.onEv
	s.mu.Unlock()
	if onEv != nil {
		onEv(e)
	}
	return nil
}

func (s *capturingSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]events.EventType, 0, len(s.events))
	for _, e := range s.events {
		ret = append(ret, e.Type())
	}
	return ret
}

func (s *capturingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event{}, s.events...)
}

type doubleIn struct {
	X int `json:"x"`
}

func newRegistry(t *testing.T, extra ...*tools.ToolDefinition) tools.ToolRegistry {
	t.Helper()
	double, err := tools.NewToolFromFunc("double", "Doubles x", func(in doubleIn) (map[string]int, error) {
		return map[string]int{"result": in.X * 2}, nil
	})
	require.NoError(t, err)
	reg, err := tools.NewRegistryFromTools(append([]*tools.ToolDefinition{double}, extra...)...)
	require.NoError(t, err)
	return reg
}

func assertWellFormed(t *testing.T, evs []events.Event) {
	t.Helper()
	require.NotEmpty(t, evs)
	terminals := 0
	step := 0
	for i, e := range evs {
		assert.Equal(t, uint64(i+1), e.Metadata().Seq, "seq of event %d", i)
		assert.GreaterOrEqual(t, e.Metadata().Step, step, "step index went backwards at event %d", i)
		step = e.Metadata().Step
		if e.Type().IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, evs[len(evs)-1].Type().IsTerminal())
}

func TestRunLoop_DoubleScenario(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("call_1", "double", `{"x":21}`)}},
		fixtures.ScriptStep{Text: "42"},
	)
	sink := &capturingSink{}
	var hooked []int
	loop := New(
		WithEngine(eng),
		WithRegistry(newRegistry(t)),
		WithStopWhen(StepCountIs(2)),
		WithEventSinks(sink),
		WithStepFinishHook(func(_ context.Context, s Step) { hooked = append(hooked, s.Index) }),
	)

	h := turns.NewHistory(turns.NewUserMessage("What is double 21?"))
	res, err := loop.RunLoop(context.Background(), h)
	require.NoError(t, err)

	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, "42", res.Text)
	require.Len(t, res.Steps, 2)
	require.Equal(t, []int{0, 1}, hooked)

	msgs := h.Snapshot()
	require.Len(t, msgs, 4)
	require.Equal(t, turns.RoleUser, msgs[0].Role)
	require.Equal(t, turns.RoleAssistant, msgs[1].Role)
	require.Equal(t, "double", msgs[1].ToolCalls()[0].Name)
	require.Equal(t, turns.RoleTool, msgs[2].Role)
	tr := msgs[2].ToolResults()
	require.Len(t, tr, 1)
	require.Equal(t, "call_1", tr[0].ID)
	require.JSONEq(t, `{"result":42}`, string(tr[0].Content))
	require.Equal(t, "42", msgs[3].Text())
	require.Len(t, res.Messages, 3)

	// the second request saw the tool result
	reqs := eng.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	require.Equal(t, []string{"double"}, res.Steps[0].Input.Tools)

	evs := sink.all()
	assertWellFormed(t, evs)
	require.Equal(t, []events.EventType{
		events.EventTypeStepStart,
		events.EventTypeToolCallStart,
		events.EventTypeToolCallDelta,
		events.EventTypeToolCallDelta,
		events.EventTypeToolCallComplete,
		events.EventTypeToolResult,
		events.EventTypeStepFinish,
		events.EventTypeStepStart,
		events.EventTypeTextDelta,
		events.EventTypeStepFinish,
		events.EventTypeRunFinish,
	}, sink.types())

	complete := evs[4].(*events.EventToolCallComplete)
	require.JSONEq(t, `{"x":21}`, complete.ToolCall.Input)
	finish := evs[len(evs)-1].(*events.EventRunFinish)
	require.Equal(t, "42", finish.Text)
	require.Equal(t, 2, finish.Steps)
	require.Equal(t, res.RunID, finish.Metadata().RunID)
}

func TestRunLoop_StepCountStopsWithPendingToolsExecuted(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngine(&fixtures.Script{Steps: []fixtures.ScriptStep{
		{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("", "double", `{"x":1}`)}},
	}}, fixtures.WithRepeatLast())

	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)), WithStopWhen(StepCountIs(3)))
	h := turns.NewHistory(turns.NewUserMessage("loop forever"))
	res, err := loop.RunLoop(context.Background(), h)
	require.NoError(t, err)

	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, res.Steps, 3)
	require.Equal(t, 3, eng.Calls())
	require.Equal(t, engine.FinishReasonToolCalls, res.FinishReason)

	last := res.Steps[2]
	require.Len(t, last.ToolResults, 1)
	require.Equal(t, last.ToolCalls[0].ID, last.ToolResults[0].ID)

	lastMsg, ok := h.Last()
	require.True(t, ok)
	require.Equal(t, turns.RoleTool, lastMsg.Role)
}

func TestRunLoop_MaxStepsCap(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngine(&fixtures.Script{Steps: []fixtures.ScriptStep{
		{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("", "double", `{"x":1}`)}},
	}}, fixtures.WithRepeatLast())

	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)), WithLoopConfig(DefaultLoopConfig().WithMaxSteps(2)))
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	require.Equal(t, 2, eng.Calls())
}

func repeatingToolEngine() *fixtures.ScriptedEngine {
	return fixtures.NewScriptedEngine(&fixtures.Script{Steps: []fixtures.ScriptStep{
		{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("", "double", `{"x":1}`)}},
	}}, fixtures.WithRepeatLast())
}

func TestRunLoop_StopConditionBeyondDefaultCap(t *testing.T) {
	t.Parallel()

	eng := repeatingToolEngine()
	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)), WithStopWhen(StepCountIs(DefaultMaxSteps+2)))
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, res.Steps, DefaultMaxSteps+2)
	require.Equal(t, DefaultMaxSteps+2, eng.Calls())
}

func TestRunLoop_DefaultCapWithoutStopCondition(t *testing.T) {
	t.Parallel()

	eng := repeatingToolEngine()
	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)))
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Len(t, res.Steps, DefaultMaxSteps)
}

func TestRunLoop_MaxStepsAndStopConditionFirstWins(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		maxSteps int
		stopAt   int
		want     int
	}{
		{name: "stop condition first", maxSteps: 9, stopAt: 3, want: 3},
		{name: "max steps first", maxSteps: 4, stopAt: 8, want: 4},
		{name: "explicit cap above default", maxSteps: 8, stopAt: 12, want: 8},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := repeatingToolEngine()
			loop := New(
				WithEngine(eng),
				WithRegistry(newRegistry(t)),
				WithLoopConfig(DefaultLoopConfig().WithMaxSteps(tc.maxSteps)),
				WithStopWhen(StepCountIs(tc.stopAt)),
			)
			res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
			require.NoError(t, err)
			require.Len(t, res.Steps, tc.want)
			require.Equal(t, tc.want, eng.Calls())
		})
	}
}

func TestRunLoop_HasToolCallStops(t *testing.T) {
	t.Parallel()

	final, err := tools.NewTool("final_answer", "", nil, func(_ context.Context, args json.RawMessage) (interface{}, error) {
		return args, nil
	})
	require.NoError(t, err)
	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("a", "double", `{"x":2}`)}},
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("b", "final_answer", `{"v":4}`)}},
		fixtures.ScriptStep{Text: "never reached"},
	)
	loop := New(
		WithEngine(eng),
		WithRegistry(newRegistry(t, final)),
		WithStopWhen(AnyOf(StepCountIs(10), HasToolCall("final_answer"))),
	)
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	require.Equal(t, 2, eng.Calls())
	require.JSONEq(t, `{"v":4}`, string(res.Steps[1].ToolResults[0].Content))
}

func TestRunLoop_ToolErrorsAreFedBack(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{
			fixtures.ToolCall("c1", "double", `{"x":"abc"}`),
			fixtures.ToolCall("c2", "triple", `{"x":3}`),
			fixtures.ToolCall("c3", "double", `{"x":3}`),
		}},
		fixtures.ScriptStep{Text: "I got 6"},
	)
	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)), WithStopWhen(StepCountIs(5)))
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, res.Steps, 2)

	results := res.Steps[0].ToolResults
	require.Len(t, results, 3)
	require.Equal(t, "c1", results[0].ID)
	require.Equal(t, string(tools.ErrorKindInvalidInput), results[0].ErrorKind)
	require.Equal(t, "c2", results[1].ID)
	require.Equal(t, string(tools.ErrorKindUnknownTool), results[1].ErrorKind)
	require.Equal(t, "c3", results[2].ID)
	require.False(t, results[2].IsError())

	// the model saw all three results
	second := eng.Requests()[1].Messages
	require.Len(t, second[len(second)-1].ToolResults(), 3)
}

func TestRunLoop_BackendFailure(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("c1", "double", `{"x":1}`)}, Usage: &engine.Usage{InputTokens: 10, OutputTokens: 5}},
		fixtures.ScriptStep{Chunks: []string{"partial ", "answer"}, Error: "upstream returned 500"},
	)
	sink := &capturingSink{}
	loop := New(WithEngine(eng), WithRegistry(newRegistry(t)), WithEventSinks(sink))
	h := turns.NewHistory(turns.NewUserMessage("go"))
	res, err := loop.RunLoop(context.Background(), h)
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, RunErrorKindBackend, runErr.Kind)
	require.Equal(t, 1, runErr.Step)
	require.Len(t, runErr.Steps, 1)
	require.Equal(t, "partial answer", runErr.PartialText)
	require.Equal(t, 10, runErr.Usage.InputTokens)
	require.Contains(t, err.Error(), "upstream returned 500")

	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, h.Len())

	evs := sink.all()
	assertWellFormed(t, evs)
	errEv, ok := evs[len(evs)-1].(*events.EventError)
	require.True(t, ok)
	require.Equal(t, string(RunErrorKindBackend), errEv.Kind)
}

func TestRunLoop_ContentFilterIsFatal(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{Text: "I cannot", FinishReason: engine.FinishReasonContentFilter},
	)
	loop := New(WithEngine(eng))
	_, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, RunErrorKindContentFilter, runErr.Kind)
	require.Equal(t, "I cannot", runErr.PartialText)
	require.Len(t, runErr.Steps, 1)
	require.Equal(t, "I cannot", runErr.Steps[0].Text)
	require.Equal(t, engine.FinishReasonContentFilter, runErr.Steps[0].FinishReason)
}

func TestRunLoop_EscalatedToolErrorFailsAfterRecordingResult(t *testing.T) {
	t.Parallel()

	db, err := tools.NewTool("query", "", nil, func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, tools.Escalate(errors.New("credentials revoked"))
	})
	require.NoError(t, err)
	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{
			fixtures.ToolCall("c1", "query", `{}`),
			fixtures.ToolCall("c2", "double", `{"x":5}`),
		}},
		fixtures.ScriptStep{Text: "unreachable"},
	)
	sink := &capturingSink{}
	loop := New(WithEngine(eng), WithRegistry(newRegistry(t, db)), WithEventSinks(sink))
	h := turns.NewHistory(turns.NewUserMessage("go"))
	_, err = loop.RunLoop(context.Background(), h)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	require.Equal(t, RunErrorKindTool, runErr.Kind)
	require.True(t, tools.IsEscalation(err))
	require.Equal(t, 1, eng.Calls())

	last, _ := h.Last()
	results := last.ToolResults()
	require.Len(t, results, 2)
	require.Equal(t, "credentials revoked", results[0].Error)
	require.False(t, results[1].IsError())

	types := sink.types()
	require.Equal(t, events.EventTypeError, types[len(types)-1])
	require.Contains(t, types, events.EventTypeToolResult)
}

func TestRunLoop_CancellationEndsWithAbort(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(fixtures.ScriptStep{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &capturingSink{onEv: func(e events.Event) {
		if e.Type() == events.EventTypeStepStart {
			cancel()
		}
	}}
	loop := New(WithEngine(eng), WithEventSinks(sink))
	res, err := loop.RunLoop(ctx, turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)

	evs := sink.all()
	assertWellFormed(t, evs)
	_, ok := evs[len(evs)-1].(*events.EventAbort)
	require.True(t, ok)
}

func TestRunLoop_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(fixtures.ScriptStep{Text: "hi"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &capturingSink{}
	res, err := New(WithEngine(eng), WithEventSinks(sink)).RunLoop(ctx, turns.NewHistory())
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Equal(t, 0, eng.Calls())
	require.Equal(t, []events.EventType{events.EventTypeAbort}, sink.types())
}

func TestRunLoop_NonStreamingEngineSynthesizesEvents(t *testing.T) {
	t.Parallel()

	inner := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{Text: "Doubling.", ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("c1", "double", `{"x":4}`)}},
		fixtures.ScriptStep{Text: "8"},
	)
	sink := &capturingSink{}
	loop := New(WithEngine(fixtures.NonStreaming{Engine: inner}), WithRegistry(newRegistry(t)), WithEventSinks(sink))
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Equal(t, "8", res.Text)

	require.Equal(t, []events.EventType{
		events.EventTypeStepStart,
		events.EventTypeTextDelta,
		events.EventTypeToolCallStart,
		events.EventTypeToolCallDelta,
		events.EventTypeToolCallComplete,
		events.EventTypeToolResult,
		events.EventTypeStepFinish,
		events.EventTypeStepStart,
		events.EventTypeTextDelta,
		events.EventTypeStepFinish,
		events.EventTypeRunFinish,
	}, sink.types())
	assertWellFormed(t, sink.all())
}

func TestRunLoop_StructuredOutput(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"answer": map[string]any{"type": "integer"}},
		"required":   []any{"answer"},
	}
	cfg := engine.StructuredOutputConfig{Name: "answer", Schema: schema}

	eng := fixtures.NewScriptedEngineFromSteps(fixtures.ScriptStep{Text: `{"answer": 42}`})
	res, err := New(WithEngine(eng), WithStructuredOutput(cfg)).RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(res.Output))
	require.True(t, eng.Requests()[0].StructuredOutput.IsEnabled())

	eng = fixtures.NewScriptedEngineFromSteps(fixtures.ScriptStep{Text: `{"answer": "forty-two"}`, Usage: &engine.Usage{OutputTokens: 7}})
	sink := &capturingSink{}
	res, err = New(WithEngine(eng), WithStructuredOutput(cfg), WithEventSinks(sink)).RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	var noOut *NoOutputError
	require.True(t, errors.As(err, &noOut))
	require.Equal(t, `{"answer": "forty-two"}`, noOut.Text)
	require.Equal(t, 7, noOut.Usage.OutputTokens)
	require.Equal(t, "scripted-0", noOut.Response.ID)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, events.EventTypeError, sink.types()[len(sink.types())-1])
}

func TestRunLoop_PrepareStepRestrictsTools(t *testing.T) {
	t.Parallel()

	echo, err := tools.NewTool("echo", "", nil, func(_ context.Context, args json.RawMessage) (interface{}, error) {
		return args, nil
	})
	require.NoError(t, err)
	eng := fixtures.NewScriptedEngineFromSteps(
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("c1", "echo", `{}`)}},
		fixtures.ScriptStep{Text: "done"},
	)
	loop := New(
		WithEngine(eng),
		WithRegistry(newRegistry(t, echo)),
		WithPrepareStep(func(_ context.Context, index int, _ []Step) StepSettings {
			if index == 0 {
				return StepSettings{ActiveTools: []string{"echo"}, ToolChoice: engine.ToolChoiceRequired}
			}
			return StepSettings{}
		}),
	)
	res, err := loop.RunLoop(context.Background(), turns.NewHistory(turns.NewUserMessage("go")))
	require.NoError(t, err)
	require.Equal(t, []string{"echo"}, res.Steps[0].Input.Tools)
	require.Equal(t, []string{"double", "echo"}, res.Steps[1].Input.Tools)

	reqs := eng.Requests()
	require.Equal(t, engine.ToolChoiceRequired, reqs[0].ToolChoice)
	require.Equal(t, engine.ToolChoiceAuto, reqs[1].ToolChoice)
}

func TestRunLoop_ContextSinksAndRunInfo(t *testing.T) {
	t.Parallel()

	eng := fixtures.NewScriptedEngineFromSteps(fixtures.ScriptStep{Text: "hello there"})
	sink := &capturingSink{}
	ctx := events.WithEventSinks(context.Background(), sink)
	ctx = WithRunInfo(ctx, RunInfo{RunID: "run-1", SessionID: "sess-1"})

	res, err := New(WithEngine(eng)).RunLoop(ctx, turns.NewHistory(turns.NewUserMessage("hi")))
	require.NoError(t, err)
	require.Equal(t, "run-1", res.RunID)

	for _, e := range sink.all() {
		require.Equal(t, "run-1", e.Metadata().RunID)
		require.Equal(t, "sess-1", e.Metadata().SessionID)
	}
	deltas := 0
	for _, e := range sink.all() {
		if d, ok := e.(*events.EventTextDelta); ok {
			deltas++
			if deltas == 2 {
				require.Equal(t, "hello there", d.Completion)
			}
		}
	}
	require.Equal(t, 2, deltas)
}

func TestRunLoop_ConcurrentRunsShareLoop(t *testing.T) {
	t.Parallel()

	loop := New(
		WithEngine(fixtures.NewScriptedEngine(&fixtures.Script{Steps: []fixtures.ScriptStep{{Text: "ok"}}}, fixtures.WithRepeatLast())),
		WithRegistry(newRegistry(t)),
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &capturingSink{}
			ctx := events.WithEventSinks(context.Background(), sink)
			res, err := loop.RunLoop(ctx, turns.NewHistory(turns.NewUserMessage("hi")))
			assert.NoError(t, err)
			assert.Equal(t, "ok", res.Text)
			evs := sink.all()
			assert.Equal(t, uint64(1), evs[0].Metadata().Seq)
			assert.Equal(t, events.EventTypeRunFinish, evs[len(evs)-1].Type())
		}()
	}
	wg.Wait()
}
