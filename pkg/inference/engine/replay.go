package engine

import (
	"io"
)

// NewResponseStream replays a complete Response as a DeltaStream. Collecting
// the stream yields an equivalent Response.
func NewResponseStream(resp *Response) DeltaStream {
	if resp == nil {
		resp = &Response{}
	}
	var ds []Delta
	if resp.Text != "" {
		ds = append(ds, Delta{Kind: DeltaKindText, Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		ds = append(ds,
			Delta{Kind: DeltaKindToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name},
			Delta{Kind: DeltaKindToolCallArgs, ToolCallID: tc.ID, Arguments: string(tc.Arguments)},
			Delta{Kind: DeltaKindToolCallEnd, ToolCallID: tc.ID},
		)
	}
	usage := resp.Usage
	metadata := resp.Metadata
	ds = append(ds, Delta{
		Kind:         DeltaKindFinish,
		FinishReason: resp.FinishReason,
		Usage:        &usage,
		Metadata:     &metadata,
	})
	return &replayStream{deltas: ds}
}

type replayStream struct {
	deltas []Delta
	closed bool
}

func (s *replayStream) Recv() (Delta, error) {
	if s.closed || len(s.deltas) == 0 {
		return Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *replayStream) Close() error {
	s.closed = true
	return nil
}
