package middleware

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

// NewSystemPromptMiddleware returns a middleware that ensures a fixed system prompt
// is sent with every request. If the request already starts with a system message,
// the prompt is appended to it (separated by a blank line). Otherwise a new system
// message is inserted at the beginning.
//
// Only the outgoing request is changed; the conversation history is left as is.
func NewSystemPromptMiddleware(prompt string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *engine.Request) (engine.DeltaStream, error) {
			if prompt == "" || req == nil {
				return next(ctx, req)
			}

			r := *req
			msgs := make([]turns.Message, 0, len(req.Messages)+1)
			if len(req.Messages) > 0 && req.Messages[0].Role == turns.RoleSystem {
				first := req.Messages[0]
				text := first.Text()
				if text != "" {
					text += "\n\n"
				}
				sys := turns.NewSystemMessage(text + prompt)
				sys.ID = first.ID
				msgs = append(msgs, sys)
				msgs = append(msgs, req.Messages[1:]...)
				log.Debug().Int("prompt_len", len(prompt)).Msg("systemprompt: appended to existing system message")
			} else {
				msgs = append(msgs, turns.NewSystemMessage(prompt))
				msgs = append(msgs, req.Messages...)
				log.Debug().Int("prompt_len", len(prompt)).Msg("systemprompt: inserted system message")
			}
			r.Messages = msgs
			return next(ctx, &r)
		}
	}
}
