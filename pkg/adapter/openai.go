package adapter

import (
	"context"
	"encoding/json"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompletions is the subset of the chat completion service used by OpenAI
type OpenAICompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type OpenAI struct {
	completions OpenAICompletions
	model       string
	baseURL     string
}

type OpenAIOption func(*OpenAI)

func WithOpenAIModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		o.model = model
	}
}

// WithOpenAIBaseURL points the client at an OpenAI compatible endpoint
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) {
		o.baseURL = url
	}
}

// WithOpenAICompletions replaces the completion service, mainly for tests
func WithOpenAICompletions(completions OpenAICompletions) OpenAIOption {
	return func(o *OpenAI) {
		o.completions = completions
	}
}

func NewOpenAI(apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	o := &OpenAI{
		model: "gpt-4o",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.completions != nil {
		return o, nil
	}

	if apiKey == "" {
		return nil, goerr.New("openai api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	client := openai.NewClient(reqOpts...)
	o.completions = &client.Chat.Completions
	return o, nil
}

func (o *OpenAI) Complete(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: toOpenAIMessages(req.Messages),
	}

	for _, spec := range req.Tools {
		schema, err := schemaMap(spec)
		if err != nil {
			return nil, err
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}

	resp, err := o.completions.New(ctx, params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chat completion", goerr.V("model", o.model))
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, goerr.New("empty response from OpenAI", goerr.V("model", o.model))
	}

	msg := resp.Choices[0].Message
	out := &model.CompletionResponse{
		Text: msg.Content,
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range msg.ToolCalls {
		args, err := decodeArgs(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		})
	}
	return out, nil
}

func toOpenAIMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			if m.Content != "" {
				out = append(out, openai.AssistantMessage(m.Content))
			}
		case model.RoleToolCall:
			if m.ToolCall == nil {
				continue
			}
			raw, err := json.Marshal(m.ToolCall.Args)
			if err != nil {
				raw = []byte("{}")
			}
			call := openai.ChatCompletionMessageToolCallParam{
				ID: m.ToolCall.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      m.ToolCall.Name,
					Arguments: string(raw),
				},
			}
			// reasoning text and its call travel in one assistant message
			if n := len(out); n > 0 && out[n-1].OfAssistant != nil {
				out[n-1].OfAssistant.ToolCalls = append(out[n-1].OfAssistant.ToolCalls, call)
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{call},
				},
			})
		case model.RoleToolResult:
			if m.ToolResult == nil {
				continue
			}
			out = append(out, openai.ToolMessage(m.ToolResult.JSON(), m.ToolResult.CallID))
		}
	}
	return out
}
