package openai

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/stepwise/pkg/inference/engine"
	"github.com/go-go-golems/stepwise/pkg/turns"
)

var ErrNoModel = errors.New("no model specified")

// MakeCompletionRequest translates a step request into a chat completions request.
func MakeCompletionRequest(s *Settings, req *engine.Request) (*go_openai.ChatCompletionRequest, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	cfg := engine.MergeInferenceConfig(req.Inference, &engine.InferenceConfig{Model: s.Model})
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, ErrNoModel
	}
	reasoning := engine.IsReasoningModel(model)
	if reasoning {
		cfg = engine.SanitizeForReasoningModel(cfg)
	}

	msgs, err := messagesFromHistory(req.Messages)
	if err != nil {
		return nil, err
	}

	ret := &go_openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
		Stop:     cfg.Stop,
		Seed:     cfg.Seed,
	}
	if s.IncludeUsage && !strings.Contains(model, "mistral") {
		ret.StreamOptions = &go_openai.StreamOptions{IncludeUsage: true}
	}
	if cfg.Temperature != nil {
		ret.Temperature = float32(*cfg.Temperature)
	}
	if cfg.TopP != nil {
		ret.TopP = float32(*cfg.TopP)
	}
	if cfg.MaxResponseTokens != nil {
		// reasoning models reject max_tokens
		if reasoning {
			ret.MaxCompletionTokens = *cfg.MaxResponseTokens
		} else {
			ret.MaxTokens = *cfg.MaxResponseTokens
		}
	}

	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			var params any = json.RawMessage(`{"type":"object","properties":{}}`)
			if t.Parameters != nil {
				params = t.Parameters
			}
			ret.Tools = append(ret.Tools, go_openai.Tool{
				Type: go_openai.ToolTypeFunction,
				Function: &go_openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		if req.ToolChoice != "" {
			ret.ToolChoice = string(req.ToolChoice)
		}
	}

	if so := req.StructuredOutput; so != nil && so.IsEnabled() {
		if err := so.Validate(); err != nil {
			return nil, err
		}
		schemaBytes, err := json.Marshal(so.Schema)
		if err != nil {
			return nil, errors.Wrap(err, "marshal structured output schema")
		}
		ret.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &go_openai.ChatCompletionResponseFormatJSONSchema{
				Name:        so.Name,
				Description: so.Description,
				Schema:      json.RawMessage(schemaBytes),
				Strict:      so.StrictOrDefault(),
			},
		}
	}

	log.Debug().
		Str("model", model).
		Int("messages", len(ret.Messages)).
		Int("tools", len(ret.Tools)).
		Bool("reasoning_model", reasoning).
		Bool("structured_output", ret.ResponseFormat != nil).
		Msg("openai: built chat completion request")

	return ret, nil
}

func messagesFromHistory(history []turns.Message) ([]go_openai.ChatCompletionMessage, error) {
	var ret []go_openai.ChatCompletionMessage
	for _, m := range history {
		switch m.Role {
		case turns.RoleSystem, turns.RoleUser:
			text := m.Text()
			if strings.TrimSpace(text) == "" {
				log.Debug().Str("role", string(m.Role)).Msg("openai: skipping empty message")
				continue
			}
			ret = append(ret, go_openai.ChatCompletionMessage{Role: string(m.Role), Content: text})

		case turns.RoleAssistant:
			msg := go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: m.Text(),
			}
			for _, tc := range m.ToolCalls() {
				args := strings.TrimSpace(string(tc.Arguments))
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
					ID:   tc.ID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			ret = append(ret, msg)

		case turns.RoleTool:
			for _, tr := range m.ToolResults() {
				ret = append(ret, go_openai.ChatCompletionMessage{
					Role:       go_openai.ChatMessageRoleTool,
					ToolCallID: tr.ID,
					Content:    toolResultContent(tr),
				})
			}

		default:
			return nil, errors.Errorf("unsupported message role %q", m.Role)
		}
	}
	return ret, nil
}

// toolResultContent renders a tool result as the JSON string the model reads back.
func toolResultContent(tr turns.ToolResult) string {
	if !tr.IsError() {
		if len(tr.Content) == 0 {
			return "null"
		}
		return string(tr.Content)
	}
	out := map[string]any{"error": tr.Error}
	if tr.ErrorKind != "" {
		out["kind"] = tr.ErrorKind
	}
	b, err := json.Marshal(out)
	if err != nil {
		return tr.Error
	}
	return string(b)
}
