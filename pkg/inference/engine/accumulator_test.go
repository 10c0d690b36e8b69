package engine

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stepwise/pkg/turns"
)

type sliceStream struct {
	deltas []Delta
	err    error
	closed bool
}

func (s *sliceStream) Recv() (Delta, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return Delta{}, s.err
		}
		return Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestAccumulator_TextAndToolCalls(t *testing.T) {
	acc := NewAccumulator()

	completed, err := acc.Add(Delta{Kind: DeltaKindText, Text: "Let me "})
	require.NoError(t, err)
	require.Empty(t, completed)
	_, _ = acc.Add(Delta{Kind: DeltaKindText, Text: "check."})
	_, _ = acc.Add(Delta{Kind: DeltaKindToolCallStart, ToolCallID: "c1", ToolName: "double"})
	_, _ = acc.Add(Delta{Kind: DeltaKindToolCallArgs, ToolCallID: "c1", Arguments: `{"x":`})
	_, _ = acc.Add(Delta{Kind: DeltaKindToolCallStart, ToolCallID: "c2", ToolName: "echo", Arguments: `{"text":"hi"}`})
	// fragment without an ID attaches to the latest call
	_, err = acc.Add(Delta{Kind: DeltaKindToolCallArgs, Arguments: ``})
	require.NoError(t, err)
	_, _ = acc.Add(Delta{Kind: DeltaKindToolCallArgs, ToolCallID: "c1", Arguments: `21}`})

	completed, err = acc.Add(Delta{Kind: DeltaKindToolCallEnd, ToolCallID: "c1"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.JSONEq(t, `{"x":21}`, string(completed[0].Arguments))

	completed, err = acc.Add(Delta{
		Kind:         DeltaKindFinish,
		FinishReason: FinishReasonToolCalls,
		Usage:        &Usage{InputTokens: 12, OutputTokens: 7},
		Metadata:     &ResponseMetadata{ID: "resp-1", Model: "scripted"},
	})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "c2", completed[0].ID)

	resp := acc.Response()
	require.Equal(t, "Let me check.", resp.Text)
	require.Equal(t, FinishReasonToolCalls, resp.FinishReason)
	require.Equal(t, 12, resp.Usage.InputTokens)
	require.Equal(t, "resp-1", resp.Metadata.ID)
	require.Len(t, resp.ToolCalls, 2)
	require.Equal(t, "double", resp.ToolCalls[0].Name)
	require.Equal(t, "echo", resp.ToolCalls[1].Name)
}

func TestAccumulator_Errors(t *testing.T) {
	acc := NewAccumulator()
	_, err := acc.Add(Delta{Kind: DeltaKindToolCallArgs, ToolCallID: "nope", Arguments: "{}"})
	require.ErrorIs(t, err, ErrUnknownToolCall)

	_, err = acc.Add(Delta{Kind: DeltaKindToolCallStart, ToolCallID: "c1", ToolName: "a"})
	require.NoError(t, err)
	_, err = acc.Add(Delta{Kind: DeltaKindToolCallStart, ToolCallID: "c1", ToolName: "a"})
	require.ErrorIs(t, err, ErrDuplicateToolCall)

	_, err = acc.Add(Delta{Kind: "bogus"})
	require.Error(t, err)
}

func TestAccumulator_InfersFinishReasonAndDefaultsArgs(t *testing.T) {
	acc := NewAccumulator()
	_, _ = acc.Add(Delta{Kind: DeltaKindToolCallStart, ToolName: "now"})

	resp := acc.Response()
	require.Equal(t, FinishReasonToolCalls, resp.FinishReason)
	require.NotEmpty(t, resp.ToolCalls[0].ID)
	require.Equal(t, "{}", string(resp.ToolCalls[0].Arguments))

	require.Equal(t, FinishReasonStop, NewAccumulator().Response().FinishReason)
}

func TestCollect(t *testing.T) {
	s := &sliceStream{deltas: []Delta{
		{Kind: DeltaKindText, Text: "The answer is 42"},
		{Kind: DeltaKindFinish, FinishReason: FinishReasonStop},
	}}
	resp, err := Collect(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "The answer is 42", resp.Text)
	require.True(t, s.closed)

	s = &sliceStream{deltas: []Delta{{Kind: DeltaKindText, Text: "par"}}, err: io.ErrUnexpectedEOF}
	_, err = Collect(context.Background(), s)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFinishReason(t *testing.T) {
	require.True(t, FinishReasonContentFilter.IsFatal())
	require.True(t, FinishReasonError.IsFatal())
	require.False(t, FinishReasonLength.IsFatal())
	require.True(t, FinishReasonOther.Valid())
	require.False(t, FinishReason("weird").Valid())
}

func TestNewResponseStream_CollectsToSameResponse(t *testing.T) {
	resp := &Response{
		Text: "Let me check.",
		ToolCalls: []turns.ToolCall{
			{ID: "c1", Name: "double", Arguments: json.RawMessage(`{"x":21}`)},
			{ID: "c2", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
		},
		FinishReason: FinishReasonToolCalls,
		Usage:        Usage{InputTokens: 10, OutputTokens: 4},
		Metadata:     ResponseMetadata{ID: "r1", Model: "m"},
	}

	got, err := Collect(context.Background(), NewResponseStream(resp))
	require.NoError(t, err)
	require.Equal(t, resp.Text, got.Text)
	require.Equal(t, resp.FinishReason, got.FinishReason)
	require.Equal(t, resp.Usage, got.Usage)
	require.Equal(t, resp.Metadata, got.Metadata)
	require.Len(t, got.ToolCalls, 2)
	require.Equal(t, "c2", got.ToolCalls[1].ID)
	require.JSONEq(t, `{"x":21}`, string(got.ToolCalls[0].Arguments))
}
