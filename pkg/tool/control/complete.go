// Package control holds tools that steer the agent run itself rather than
// the repository: completion, operator questions and memory.
package control

import (
	"context"
	"fmt"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
)

const CompleteToolName = "task_complete"

type completeParams struct {
	ObjectiveAchieved bool     `json:"objectiveAchieved"`
	Summary           string   `json:"summary"`
	ChangedFiles      []string `json:"changedFiles"`
}

// Complete is the completion tool. Its result is the payload returned by
// the agent run.
type Complete struct{}

func NewComplete() *Complete { return &Complete{} }

func (t *Complete) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        CompleteToolName,
		Description: "Call exactly once when you are done. Report whether the objective was achieved and summarize the changes.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"objectiveAchieved": tool.Boolean("True when the requested change is fully implemented"),
			"summary":           tool.String("Short description of what was changed and why"),
			"changedFiles": {
				Type:        "array",
				Description: "Paths of modified files",
				Items:       tool.String("Path relative to the repository root"),
			},
		}, "objectiveAchieved", "summary"),
	}
}

func (t *Complete) Completes() bool { return true }

func (t *Complete) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	var p completeParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}

	files := make([]any, 0, len(p.ChangedFiles))
	for _, f := range p.ChangedFiles {
		files = append(files, f)
	}
	return map[string]any{
		"objectiveAchieved": p.ObjectiveAchieved,
		"summary":           p.Summary,
		"changedFiles":      files,
	}, nil
}

func (t *Complete) Prompt(ctx context.Context) string {
	return fmt.Sprintf("When the work is finished, or cannot be finished, call %s once with an honest objectiveAchieved flag.", CompleteToolName)
}
