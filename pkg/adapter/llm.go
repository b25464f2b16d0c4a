package adapter

import (
	"context"
	"encoding/json"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// LLM is a provider-neutral chat completion client with tool calling
type LLM interface {
	Complete(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error)
}

// schemaMap renders a tool schema as a plain JSON object for SDKs that take
// untyped parameter maps
func schemaMap(spec *model.ToolSpec) (map[string]any, error) {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if spec.Parameters == nil {
		return out, nil
	}

	raw, err := json.Marshal(spec.Parameters)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool schema", goerr.V("tool", spec.Name))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal tool schema", goerr.V("tool", spec.Name))
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out, nil
}

func decodeArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, goerr.Wrap(err, "failed to decode tool call arguments", goerr.V("arguments", raw))
	}
	return args, nil
}
