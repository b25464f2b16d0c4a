package control_test

import (
	"context"
	"errors"
	"testing"

	"github.com/epavanello/fixodev-sub000/pkg/memory"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/epavanello/fixodev-sub000/pkg/tool/control"
	"github.com/m-mizutani/gt"
)

type mockAsker struct {
	AskFunc func(ctx context.Context, question string) (string, error)
}

func (m *mockAsker) Ask(ctx context.Context, question string) (string, error) {
	return m.AskFunc(ctx, question)
}

func TestComplete(t *testing.T) {
	complete := control.NewComplete()
	gt.True(t, complete.Completes())

	data, err := complete.Execute(context.Background(), nil, map[string]any{
		"objectiveAchieved": true,
		"summary":           "fixed parser",
		"changedFiles":      []any{"parser.go"},
	})
	gt.NoError(t, err)
	gt.Equal(t, data["objectiveAchieved"], any(true))
	gt.Equal(t, data["summary"], any("fixed parser"))
	gt.A(t, data["changedFiles"].([]any)).Length(1)
}

func TestAsk(t *testing.T) {
	ask := control.NewAsk()
	ctx := context.Background()

	_, err := ask.Execute(ctx, &tool.Env{}, map[string]any{"question": "which branch?"})
	gt.True(t, errors.Is(err, tool.ErrMissingCapability))

	var asked string
	env := &tool.Env{Asker: &mockAsker{AskFunc: func(ctx context.Context, q string) (string, error) {
		asked = q
		return "main", nil
	}}}
	data, err := ask.Execute(ctx, env, map[string]any{"question": "which branch?"})
	gt.NoError(t, err)
	gt.Equal(t, asked, "which branch?")
	gt.Equal(t, data["answer"], any("main"))

	env.Asker = &mockAsker{AskFunc: func(ctx context.Context, q string) (string, error) {
		return "", errors.New("stdin closed")
	}}
	data, err = ask.Execute(ctx, env, map[string]any{"question": "again?"})
	gt.NoError(t, err)
	gt.Equal(t, data["code"], any("no_answer"))
}

func TestSaveInsight(t *testing.T) {
	store := memory.New()
	env := &tool.Env{Memory: store}

	data, err := control.NewSaveInsight().Execute(context.Background(), env, map[string]any{
		"type":       "code_insight.bug",
		"content":    "off by one in tokenizer",
		"importance": 0.9,
		"metadata":   map[string]any{"file": "lexer.go", "line": 12},
	})
	gt.NoError(t, err)
	gt.Equal(t, data["importance"], any(0.9))
	gt.Equal(t, store.Count(), 1)
	gt.A(t, store.FindByType("code_insight.bug")).Length(1)
	gt.A(t, store.FindByMetadata("file", "lexer.go")).Length(1)
}
