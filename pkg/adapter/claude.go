package adapter

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// ClaudeMessages is the subset of the Anthropic message service used by Claude
type ClaudeMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Claude struct {
	messages  ClaudeMessages
	model     string
	maxTokens int64
}

type ClaudeOption func(*Claude)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *Claude) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *Claude) {
		c.maxTokens = n
	}
}

// WithClaudeMessages replaces the message service, mainly for tests
func WithClaudeMessages(messages ClaudeMessages) ClaudeOption {
	return func(c *Claude) {
		c.messages = messages
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, opts ...ClaudeOption) (*Claude, error) {
	c := &Claude{
		model:     "claude-sonnet-4-5",
		maxTokens: 8192,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.messages != nil {
		return c, nil
	}

	if apiKey == "" {
		return nil, goerr.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	c.messages = &client.Messages
	return c, nil
}

func (c *Claude) Complete(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	messages, system := toClaudeMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, spec := range req.Tools {
		schema, err := schemaMap(spec)
		if err != nil {
			return nil, err
		}
		var required []string
		if spec.Parameters != nil {
			required = spec.Parameters.Required
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   required,
				},
			},
		})
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create message", goerr.V("model", c.model))
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, goerr.New("empty response from Claude", goerr.V("model", c.model))
	}

	out := &model.CompletionResponse{
		Usage: model.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return nil, goerr.Wrap(err, "failed to parse tool input", goerr.V("tool", use.Name))
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: use.ID, Name: use.Name, Args: args})
		}
	}
	return out, nil
}

// toClaudeMessages maps the transcript onto alternating user/assistant
// messages. Tool results travel in user messages.
func toClaudeMessages(messages []model.Message) ([]anthropic.MessageParam, string) {
	var system string
	var out []anthropic.MessageParam

	push := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{block},
		})
	}

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = m.Content
		case model.RoleUser:
			push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
		case model.RoleAssistant:
			if m.Content != "" {
				push(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(m.Content))
			}
		case model.RoleToolCall:
			if m.ToolCall == nil {
				continue
			}
			push(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(m.ToolCall.ID, m.ToolCall.Args, m.ToolCall.Name))
		case model.RoleToolResult:
			if m.ToolResult == nil {
				continue
			}
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolResult.CallID, m.ToolResult.JSON(), m.ToolResult.IsError))
		}
	}
	return out, system
}
