package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// remoteTool exposes one MCP server tool through the tool.Tool contract
type remoteTool struct {
	client     *Client
	serverName string
	name       string
	spec       *model.ToolSpec
}

// Tools converts every tool of every connected server into a tool.Tool
func Tools(client *Client) ([]tool.Tool, error) {
	if client == nil {
		return nil, nil
	}

	var tools []tool.Tool
	for _, serverName := range client.Servers() {
		remote, err := client.Tools(serverName)
		if err != nil {
			return nil, err
		}
		for _, t := range remote {
			spec, err := toToolSpec(t)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert tool",
					goerr.V("server", serverName),
					goerr.V("tool", t.Name))
			}
			tools = append(tools, &remoteTool{
				client:     client,
				serverName: serverName,
				name:       t.Name,
				spec:       spec,
			})
		}
	}
	return tools, nil
}

func toToolSpec(t *mcp.Tool) (*model.ToolSpec, error) {
	spec := &model.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
	}
	if t.InputSchema == nil {
		return spec, nil
	}

	// InputSchema is untyped on the client side
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal input schema")
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal input schema")
	}
	spec.Parameters = &schema
	return spec, nil
}

func (t *remoteTool) Spec() *model.ToolSpec {
	return t.spec
}

func (t *remoteTool) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	result, err := t.client.CallTool(ctx, t.serverName, t.name, args)
	if err != nil {
		return nil, err
	}

	text := contentText(result.Content)
	if result.IsError {
		return tool.Failure("remote_error", text), nil
	}

	data := map[string]any{"content": text}
	if result.StructuredContent != nil {
		data["structured"] = result.StructuredContent
	}
	return data, nil
}

func (t *remoteTool) DescribeCall(args map[string]any) string {
	raw, _ := json.Marshal(args)
	return t.serverName + "/" + t.name + " " + string(raw)
}

func (t *remoteTool) DescribeResult(data map[string]any) string {
	if msg, ok := data["error"].(string); ok {
		return "error: " + msg
	}
	text, _ := data["content"].(string)
	if len(text) > 80 {
		text = text[:80] + "..."
	}
	return text
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n")
}
