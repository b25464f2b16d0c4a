package control

import (
	"context"
	"fmt"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

type askParams struct {
	Question string `json:"question"`
}

// Ask implements ask_user through Env.Asker
type Ask struct{}

func NewAsk() *Ask { return &Ask{} }

func (t *Ask) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "ask_user",
		Description: "Ask the operator a clarifying question and wait for the answer.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"question": tool.String("The question to ask"),
		}, "question"),
	}
}

func (t *Ask) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	if env == nil || env.Asker == nil {
		return nil, goerr.Wrap(tool.ErrMissingCapability, "asker is not configured")
	}

	var p askParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}

	answer, err := env.Asker.Ask(ctx, p.Question)
	if err != nil {
		return tool.Failure("no_answer", fmt.Sprintf("could not get an answer: %v", err)), nil
	}
	return map[string]any{"answer": answer}, nil
}
