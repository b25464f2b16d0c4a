package control

import (
	"context"
	"fmt"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

type insightParams struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

// SaveInsight implements save_insight, recording a finding in the run's
// memory store
type SaveInsight struct{}

func NewSaveInsight() *SaveInsight { return &SaveInsight{} }

func (t *SaveInsight) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "save_insight",
		Description: "Remember a finding for the rest of this task, e.g. the root cause of a bug or a project convention.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"type":       tool.String("Dotted category such as code_insight.bug or convention.test"),
			"content":    tool.String("The finding itself"),
			"importance": tool.Number("0..1, default 0.5"),
			"metadata": {
				Type:        "object",
				Description: "Flat key/value attributes such as file or line",
			},
		}, "type", "content"),
	}
}

func (t *SaveInsight) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	if env == nil || env.Memory == nil {
		return nil, goerr.Wrap(tool.ErrMissingCapability, "memory store is not configured")
	}

	var p insightParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}

	entry := env.Memory.Add(model.MemoryEntry{
		Type:       p.Type,
		Content:    p.Content,
		Metadata:   p.Metadata,
		Importance: p.Importance,
	})

	return map[string]any{
		"id":         string(entry.ID),
		"importance": entry.Importance,
		"stored":     fmt.Sprintf("%d insights so far", env.Memory.Count()),
	}, nil
}
