package session

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stepwise/pkg/events"
	"github.com/go-go-golems/stepwise/pkg/inference/fixtures"
	"github.com/go-go-golems/stepwise/pkg/inference/toolloop"
	"github.com/go-go-golems/stepwise/pkg/inference/tools"
	"github.com/go-go-golems/stepwise/pkg/stream"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

type fakeRunner struct {
	run func(ctx context.Context, h *turns.History) (*toolloop.Result, error)
}

func (r fakeRunner) RunLoop(ctx context.Context, h *turns.History) (*toolloop.Result, error) {
	return r.run(ctx, h)
}

type doubleIn struct {
	X int `json:"x"`
}

func doubleLoop(t *testing.T, steps ...fixtures.ScriptStep) *toolloop.Loop {
	t.Helper()
	double, err := tools.NewToolFromFunc("double", "Doubles x", func(in doubleIn) (map[string]int, error) {
		return map[string]int{"result": in.X * 2}, nil
	})
	require.NoError(t, err)
	reg, err := tools.NewRegistryFromTools(double)
	require.NoError(t, err)
	return toolloop.New(
		toolloop.WithEngine(fixtures.NewScriptedEngineFromSteps(steps...)),
		toolloop.WithRegistry(reg),
		toolloop.WithStopWhen(toolloop.StepCountIs(2)),
	)
}

func collectLines(t *testing.T, sub *stream.Subscription) []string {
	t.Helper()
	var ret []string
	for e := range sub.Seq() {
		b, err := events.MarshalLine(e)
		require.NoError(t, err)
		ret = append(ret, string(b))
	}
	return ret
}

func TestSession_StartRunExtendsHistory(t *testing.T) {
	t.Parallel()

	s := NewSession(doubleLoop(t,
		fixtures.ScriptStep{ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("c1", "double", `{"x":21}`)}},
		fixtures.ScriptStep{Text: "42"},
	))
	run, err := s.StartRun(context.Background(), turns.NewUserMessage("double 21"))
	require.NoError(t, err)
	require.Equal(t, s.SessionID, run.SessionID)

	res, err := run.Wait()
	require.NoError(t, err)
	require.Equal(t, toolloop.OutcomeCompleted, res.Outcome)
	require.Equal(t, "42", res.Text)
	require.Equal(t, run.ID, res.RunID)
	require.Equal(t, 4, s.History.Len())

	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, time.Millisecond)
	require.ErrorIs(t, s.CancelActive(), ErrSessionNoActive)
}

func TestSession_OneActiveRunAtATime(t *testing.T) {
	t.Parallel()

	s := NewSession(doubleLoop(t, fixtures.ScriptStep{Block: true}))
	run, err := s.StartRun(context.Background(), turns.NewUserMessage("hang"))
	require.NoError(t, err)

	_, err = s.StartRun(context.Background(), turns.NewUserMessage("again"))
	require.ErrorIs(t, err, ErrSessionAlreadyActive)

	require.NoError(t, s.CancelActive())
	res, err := run.Wait()
	require.NoError(t, err)
	require.Equal(t, toolloop.OutcomeCancelled, res.Outcome)
	require.False(t, run.Cancel())
}

func TestSession_CancelPreparedRun(t *testing.T) {
	t.Parallel()

	s := NewSession(doubleLoop(t, fixtures.ScriptStep{Text: "unused"}))
	run, err := s.PrepareRun(context.Background(), turns.NewUserMessage("hi"))
	require.NoError(t, err)
	sub := run.Subscribe()

	require.NoError(t, s.CancelActive())
	res, err := run.Wait()
	require.NoError(t, err)
	require.Equal(t, toolloop.OutcomeCancelled, res.Outcome)

	lines := collectLines(t, sub)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"type":"abort"`)
}

func TestSession_EmptyHistory(t *testing.T) {
	t.Parallel()

	s := NewSession(doubleLoop(t))
	_, err := s.StartRun(context.Background())
	require.ErrorIs(t, err, ErrSessionEmptyHistory)
}

func TestRun_SubscribersSeeIdenticalSequences(t *testing.T) {
	t.Parallel()

	run := NewRun(context.Background(), doubleLoop(t,
		fixtures.ScriptStep{Text: "Let me check.", ToolCalls: []fixtures.ScriptToolCall{fixtures.ToolCall("c1", "double", `{"x":21}`)}},
		fixtures.ScriptStep{Text: "It is 42"},
	), turns.NewHistory(turns.NewUserMessage("double 21")))

	a, b := run.Subscribe(), run.Subscribe()
	require.NoError(t, run.Start())
	require.ErrorIs(t, run.Start(), ErrRunAlreadyStarted)

	linesA := collectLines(t, a)
	linesB := collectLines(t, b)
	require.Equal(t, linesA, linesB)
	require.Contains(t, linesA[len(linesA)-1], `"type":"run-finish"`)

	var text string
	_, err := run.Wait()
	require.NoError(t, err)
	for s := range stream.Text(run.Subscribe()) {
		text += s
	}
	require.Empty(t, text, "subscribing after the run yields nothing")
}

func TestRun_CancelAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	run := NewRun(context.Background(), doubleLoop(t, fixtures.ScriptStep{Text: "done"}), turns.NewHistory(turns.NewUserMessage("hi")))
	sub := run.Subscribe()
	require.NoError(t, run.Start())
	_, err := run.Wait()
	require.NoError(t, err)

	published := run.Hub().Published()
	require.False(t, run.Cancel())
	require.False(t, run.Cancel())
	require.Equal(t, published, run.Hub().Published())

	lines := collectLines(t, sub)
	require.Len(t, lines, int(published))
}

func TestRun_TimeoutAborts(t *testing.T) {
	t.Parallel()

	run := NewRun(context.Background(), doubleLoop(t, fixtures.ScriptStep{Block: true}),
		turns.NewHistory(turns.NewUserMessage("hang")),
		WithTimeout(20*time.Millisecond),
	)
	sub := run.Subscribe()
	require.NoError(t, run.Start())

	res, err := run.Wait()
	require.NoError(t, err)
	require.Equal(t, toolloop.OutcomeCancelled, res.Outcome)
	require.ErrorIs(t, run.Token().Cause(), ErrTimeout)

	var last events.Event
	for e := range sub.Seq() {
		last = e
	}
	abort, ok := last.(*events.EventAbort)
	require.True(t, ok)
	require.Contains(t, abort.Reason, "timed out")
}

func TestRun_RunnerFailureStillTerminatesStream(t *testing.T) {
	t.Parallel()

	run := NewRun(context.Background(), fakeRunner{run: func(context.Context, *turns.History) (*toolloop.Result, error) {
		return nil, errors.New("misconfigured")
	}}, turns.NewHistory(), WithRunID("run-x"))
	sub := run.Subscribe()
	require.NoError(t, run.Start())

	e, err := sub.Next(context.Background())
	require.NoError(t, err)
	errEv, ok := e.(*events.EventError)
	require.True(t, ok)
	require.Equal(t, "misconfigured", errEv.ErrorString)
	require.Equal(t, "run-x", errEv.Metadata().RunID)

	_, err = run.Wait()
	require.EqualError(t, err, "misconfigured")
}

func TestRun_WaitContext(t *testing.T) {
	t.Parallel()

	run := NewRun(context.Background(), doubleLoop(t, fixtures.ScriptStep{Block: true}), turns.NewHistory(turns.NewUserMessage("x")))
	require.NoError(t, run.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := run.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, run.IsRunning())

	require.True(t, run.Cancel())
	<-run.Done()
	require.False(t, run.IsRunning())
}
