package adapter_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/gt"
)

type mockClaudeMessages struct {
	params anthropic.MessageNewParams
	resp   string
}

func (m *mockClaudeMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	m.params = body
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(m.resp), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func TestClaudeComplete(t *testing.T) {
	messages := &mockClaudeMessages{resp: `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_1", "name": "read_file", "input": {"path": "go.mod"}}
		],
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`}

	c, err := adapter.NewClaude("", adapter.WithClaudeMessages(messages))
	gt.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.CompletionRequest{
		Messages: sampleTranscript(),
		Tools:    sampleTools(),
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "Let me check.")
	gt.A(t, resp.ToolCalls).Length(1)
	gt.Equal(t, resp.ToolCalls[0].ID, "toolu_1")
	gt.Equal(t, resp.ToolCalls[0].Args["path"], any("go.mod"))
	gt.Equal(t, resp.Usage.OutputTokens, int64(30))

	p := messages.params
	gt.Equal(t, p.System[0].Text, "you fix bugs")
	gt.A(t, p.Messages).Length(5)
	gt.Equal(t, p.Messages[0].Role, anthropic.MessageParamRoleUser)
	gt.Equal(t, p.Messages[1].Role, anthropic.MessageParamRoleAssistant)
	gt.Equal(t, p.Messages[1].Content[0].OfToolUse.ID, "c1")
	gt.Equal(t, p.Messages[2].Content[0].OfToolResult.ToolUseID, "c1")
	gt.A(t, p.Tools).Length(1)
	gt.Equal(t, p.Tools[0].OfTool.Name, "read_file")
	gt.Equal(t, p.Tools[0].OfTool.InputSchema.Required, []string{"path"})
}

func TestClaudeRequiresKey(t *testing.T) {
	_, err := adapter.NewClaude("")
	gt.Error(t, err)
}

func TestClaudeLive(t *testing.T) {
	apiKey := os.Getenv("TEST_ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_ANTHROPIC_API_KEY is not set")
	}

	c, err := adapter.NewClaude(apiKey)
	gt.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.CompletionRequest{
		Messages: []model.Message{{Role: model.RoleUser, Content: "Call read_file for main.go"}},
		Tools:    sampleTools(),
	})
	gt.NoError(t, err)
	gt.A(t, resp.ToolCalls).Length(1)
}
