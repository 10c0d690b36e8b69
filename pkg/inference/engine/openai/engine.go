// Package openai implements a streaming backend over the OpenAI chat
// completions API, and any server that speaks it.
package openai

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
)

type OpenAIEngine struct {
	settings *Settings
	client   *go_openai.Client
}

var _ engine.StreamingEngine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(s *Settings) (*OpenAIEngine, error) {
	if s == nil {
		return nil, errors.New("no openai settings")
	}
	return &OpenAIEngine{settings: s, client: MakeClient(s)}, nil
}

func (e *OpenAIEngine) Stream(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
	creq, err := MakeCompletionRequest(e.settings, req)
	if err != nil {
		return nil, err
	}
	stream, err := e.client.CreateChatCompletionStream(ctx, *creq)
	if err != nil {
		return nil, errors.Wrap(err, "openai: create chat completion stream")
	}
	log.Debug().Str("model", creq.Model).Msg("openai: stream opened")
	return newDeltaStream(stream, creq.Model), nil
}

func (e *OpenAIEngine) Generate(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	s, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return engine.Collect(ctx, s)
}

type chunkReceiver interface {
	Recv() (go_openai.ChatCompletionStreamResponse, error)
	Close() error
}

// deltaStream maps chat completion chunks onto deltas. Tool call fragments
// are keyed by their choice index; only the first fragment of a call carries
// its id and name.
type deltaStream struct {
	stream  chunkReceiver
	pending []engine.Delta
	ids     map[int]string
	done    bool

	finish   engine.FinishReason
	usage    *engine.Usage
	metadata engine.ResponseMetadata
}

func newDeltaStream(stream chunkReceiver, model string) *deltaStream {
	return &deltaStream{
		stream:   stream,
		ids:      map[int]string{},
		metadata: engine.ResponseMetadata{Model: model},
	}
}

func (s *deltaStream) Recv() (engine.Delta, error) {
	for len(s.pending) == 0 {
		if s.done {
			return engine.Delta{}, io.EOF
		}
		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.pending = append(s.pending, s.finishDelta())
			break
		}
		if err != nil {
			return engine.Delta{}, errors.Wrap(err, "openai: stream")
		}
		s.handle(chunk)
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d, nil
}

func (s *deltaStream) Close() error {
	return s.stream.Close()
}

func (s *deltaStream) handle(chunk go_openai.ChatCompletionStreamResponse) {
	if chunk.ID != "" {
		s.metadata.ID = chunk.ID
	}
	if chunk.Model != "" {
		s.metadata.Model = chunk.Model
	}
	if chunk.Usage != nil {
		u := engine.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
		if chunk.Usage.PromptTokensDetails != nil {
			u.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		s.usage = &u
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, engine.Delta{Kind: engine.DeltaKindText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			s.toolCall(tc)
		}
		if choice.FinishReason != "" && choice.FinishReason != go_openai.FinishReasonNull {
			s.finish = mapFinishReason(choice.FinishReason)
		}
	}
}

func (s *deltaStream) toolCall(tc go_openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	id, ok := s.ids[index]
	if !ok {
		id = tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		s.ids[index] = id
		s.pending = append(s.pending, engine.Delta{
			Kind:       engine.DeltaKindToolCallStart,
			ToolCallID: id,
			ToolName:   tc.Function.Name,
			Arguments:  tc.Function.Arguments,
		})
		return
	}
	if tc.Function.Arguments == "" {
		return
	}
	s.pending = append(s.pending, engine.Delta{
		Kind:       engine.DeltaKindToolCallArgs,
		ToolCallID: id,
		Arguments:  tc.Function.Arguments,
	})
}

func (s *deltaStream) finishDelta() engine.Delta {
	finish := s.finish
	if finish == "" {
		if len(s.ids) > 0 {
			finish = engine.FinishReasonToolCalls
		} else {
			finish = engine.FinishReasonStop
		}
	}
	md := s.metadata
	md.Timestamp = time.Now()
	return engine.Delta{
		Kind:         engine.DeltaKindFinish,
		FinishReason: finish,
		Usage:        s.usage,
		Metadata:     &md,
	}
}

func mapFinishReason(r go_openai.FinishReason) engine.FinishReason {
	switch r {
	case go_openai.FinishReasonStop:
		return engine.FinishReasonStop
	case go_openai.FinishReasonLength:
		return engine.FinishReasonLength
	case go_openai.FinishReasonToolCalls, go_openai.FinishReasonFunctionCall:
		return engine.FinishReasonToolCalls
	case go_openai.FinishReasonContentFilter:
		return engine.FinishReasonContentFilter
	default:
		return engine.FinishReasonOther
	}
}
