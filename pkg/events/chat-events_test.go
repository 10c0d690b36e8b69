package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testMeta(step int, seq uint64) EventMetadata {
	return EventMetadata{ID: uuid.New(), RunID: "run-1", Step: step, Seq: seq}
}

func TestEventType_IsTerminal(t *testing.T) {
	for _, typ := range []EventType{EventTypeRunFinish, EventTypeError, EventTypeAbort} {
		require.True(t, typ.IsTerminal(), typ)
	}
	for _, typ := range []EventType{EventTypeStepStart, EventTypeTextDelta, EventTypeToolResult, EventTypeStepFinish} {
		require.False(t, typ.IsTerminal(), typ)
	}
}

func TestNewEventFromJson_DecodesConcreteTypes(t *testing.T) {
	in := []Event{
		NewToolCallCompleteEvent(testMeta(0, 3), ToolCall{ID: "c1", Name: "double", Input: `{"x":21}`}),
		NewToolResultEvent(testMeta(0, 4), ToolResult{ID: "c1", Name: "double", Result: `{"result":42}`}),
		NewRunFinishEvent(testMeta(1, 9), "The answer is 42", nil, "stop", 2, Usage{InputTokens: 10, OutputTokens: 5}),
	}

	for _, e := range in {
		b, err := json.Marshal(e)
		require.NoError(t, err)

		out, err := NewEventFromJson(b)
		require.NoError(t, err)
		require.Equal(t, e.Type(), out.Type())
		require.Equal(t, e.Metadata().Seq, out.Metadata().Seq)
		require.Equal(t, b, out.Payload())
	}

	b, _ := json.Marshal(in[1])
	out, err := NewEventFromJson(b)
	require.NoError(t, err)
	tr, ok := out.(*EventToolResult)
	require.True(t, ok)
	require.Equal(t, `{"result":42}`, tr.ToolResult.Result)
}

func TestNewEventFromJson_UnknownType(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"nope"}`))
	require.Error(t, err)
}

func TestMarshalLine_IsSingleLine(t *testing.T) {
	b, err := MarshalLine(NewTextDeltaEvent(testMeta(0, 1), "a\nb", "a\nb"))
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(b, []byte("\n")))
	require.Equal(t, 1, bytes.Count(b, []byte("\n")))
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2}.Add(Usage{InputTokens: 3, OutputTokens: 4, CachedTokens: 1})
	require.Equal(t, Usage{InputTokens: 4, OutputTokens: 6, CachedTokens: 1}, u)
	require.True(t, Usage{}.IsZero())
}

func TestTextPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewTextPrinter("", &buf)

	require.NoError(t, p(NewStepStartEvent(testMeta(0, 0), []string{"double"})))
	require.NoError(t, p(NewTextDeltaEvent(testMeta(0, 1), "Let me ", "Let me ")))
	require.NoError(t, p(NewTextDeltaEvent(testMeta(0, 2), "check.", "Let me check.")))
	require.NoError(t, p(NewToolCallCompleteEvent(testMeta(0, 3), ToolCall{ID: "c1", Name: "double", Input: `{"x":21}`})))
	require.NoError(t, p(NewToolResultEvent(testMeta(0, 4), ToolResult{ID: "c1", Name: "double", Result: "42"})))
	require.NoError(t, p(NewAbortEvent(testMeta(1, 5), "cancelled", 1)))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Let me check.\n"), out)
	require.Contains(t, out, "name: double")
	require.Contains(t, out, "result: \"42\"")
	require.True(t, strings.HasSuffix(out, "[aborted] cancelled\n"), out)
}

func TestNDJSONPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewNDJSONPrinter(&buf)
	require.NoError(t, p(NewStepStartEvent(testMeta(0, 0), nil)))
	require.NoError(t, p(NewErrorEvent(testMeta(0, 1), "backend", errBoom)))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	e, err := NewEventFromJson([]byte(lines[1]))
	require.NoError(t, err)
	require.Equal(t, "boom", e.(*EventError).ErrorString)
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
