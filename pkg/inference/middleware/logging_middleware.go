package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// NewLoggingMiddleware logs each backend call when it starts and once its
// stream has ended, with the finish reason, usage and tool call count.
func NewLoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
			lg := logger
			// fall back to global if uninitialized
			if lg.GetLevel() == zerolog.NoLevel {
				lg = log.Logger
			}

			var numSystem, numUser, numAssistant, numTool int
			for _, m := range req.Messages {
				switch m.Role {
				case turns.RoleSystem:
					numSystem++
				case turns.RoleUser:
					numUser++
				case turns.RoleAssistant:
					numAssistant++
				case turns.RoleTool:
					numTool++
				}
			}
			lg = lg.With().
				Int("message_count", len(req.Messages)).
				Int("tool_count", len(req.Tools)).
				Str("tool_choice", string(req.ToolChoice)).
				Logger()
			lg.Debug().
				Int("system", numSystem).
				Int("user", numUser).
				Int("assistant", numAssistant).
				Int("tool", numTool).
				Msg("engine: starting inference")

			started := time.Now()
			s, err := next(ctx, req)
			if err != nil {
				lg.Error().Err(err).Msg("engine: inference failed to start")
				return nil, err
			}
			return &observedStream{
				DeltaStream: s,
				acc:         engine.NewAccumulator(),
				onDone: func(resp *engine.Response, err error) {
					if err != nil {
						lg.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("engine: inference ended with error")
						return
					}
					lg.Debug().
						Str("finish_reason", string(resp.FinishReason)).
						Int("tool_calls", len(resp.ToolCalls)).
						Int("text_len", len(resp.Text)).
						Int("input_tokens", resp.Usage.InputTokens).
						Int("output_tokens", resp.Usage.OutputTokens).
						Str("model", resp.Metadata.Model).
						Dur("elapsed", time.Since(started)).
						Msg("engine: inference completed")
				},
			}, nil
		}
	}
}
