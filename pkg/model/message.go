package model

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is one transcript entry. ToolCall is set for RoleToolCall and
// ToolResult for RoleToolResult.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a model request to invoke a tool
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult is the structured outcome of a tool call. Data is always
// plain JSON-representable values.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data"`
	IsError bool           `json:"is_error,omitempty"`
}

// JSON renders Data for providers that take tool output as text
func (r *ToolResult) JSON() string {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return `{"error":"unserializable tool result"}`
	}
	return string(raw)
}

// ToolSpec is the schema of one tool as exposed to the model
type ToolSpec struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Usage reports token counts of one completion
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// CompletionRequest is the input of one language model call
type CompletionRequest struct {
	Messages []Message
	Tools    []*ToolSpec
}

// CompletionResponse is the output of one language model call
type CompletionResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}
