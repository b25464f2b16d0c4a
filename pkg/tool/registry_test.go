package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
)

type mockTool struct {
	name    string
	done    bool
	prompt  string
	execute func(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error)
}

func (m *mockTool) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        m.name,
		Description: "mock",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"path": tool.String("path"),
		}, "path"),
	}
}

func (m *mockTool) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	return m.execute(ctx, env, args)
}

func (m *mockTool) Completes() bool { return m.done }

func (m *mockTool) Prompt(ctx context.Context) string { return m.prompt }

type compactingTool struct {
	mockTool
}

func (c *compactingTool) Compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult {
	return &model.ToolResult{CallID: result.CallID, Name: result.Name, Data: map[string]any{"compacted": true}}
}

func echo(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	return map[string]any{"path": args["path"]}, nil
}

func TestRegistryRegister(t *testing.T) {
	reg, err := tool.New(
		&mockTool{name: "b", execute: echo},
		&mockTool{name: "a", execute: echo, done: true, prompt: "call a at the end"},
	)
	gt.NoError(t, err)
	gt.Equal(t, reg.Names(), []string{"b", "a"})
	gt.A(t, reg.Specs()).Length(2)
	gt.True(t, reg.IsCompletion("a"))
	gt.False(t, reg.IsCompletion("b"))
	gt.False(t, reg.IsCompletion("missing"))
	gt.Equal(t, reg.Prompts(context.Background()), "call a at the end")

	err = reg.Register(&mockTool{name: "a", execute: echo})
	gt.True(t, errors.Is(err, tool.ErrDuplicateTool))
	gt.A(t, reg.Specs()).Length(2)

	err = reg.Register(&mockTool{name: "", execute: echo})
	gt.True(t, errors.Is(err, tool.ErrInvalidSpec))
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()
	reg, err := tool.New(
		&mockTool{name: "echo", execute: echo},
		&mockTool{name: "broken", execute: func(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
			return nil, errors.New("disk on fire")
		}},
		&mockTool{name: "panics", execute: func(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
			panic("boom")
		}},
		&mockTool{name: "soft", execute: func(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
			return tool.Failure("file_not_found", "no such file"), nil
		}},
	)
	gt.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c1", Name: "echo", Args: map[string]any{"path": "a.go"}})
		gt.False(t, res.IsError)
		gt.Equal(t, res.CallID, "c1")
		gt.Equal(t, res.Data["path"], any("a.go"))
	})

	t.Run("unknown tool", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c2", Name: "nope"})
		gt.True(t, res.IsError)
		gt.Equal(t, res.Data["code"], any("unknown_tool"))
	})

	t.Run("missing required argument", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c3", Name: "echo", Args: map[string]any{}})
		gt.True(t, res.IsError)
		gt.Equal(t, res.Data["code"], any("invalid_parameters"))
	})

	t.Run("wrong argument type", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c4", Name: "echo", Args: map[string]any{"path": 3.0}})
		gt.True(t, res.IsError)
		gt.Equal(t, res.Data["code"], any("invalid_parameters"))
	})

	t.Run("tool error", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c5", Name: "broken", Args: map[string]any{"path": "x"}})
		gt.True(t, res.IsError)
		gt.Equal(t, res.Data["code"], any("internal_error"))
		gt.S(t, res.Data["error"].(string)).Contains("disk on fire")
	})

	t.Run("panic", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c6", Name: "panics", Args: map[string]any{"path": "x"}})
		gt.True(t, res.IsError)
		gt.Equal(t, res.CallID, "c6")
		gt.S(t, res.Data["error"].(string)).Contains("boom")
	})

	t.Run("failure payload", func(t *testing.T) {
		res := reg.Execute(ctx, &tool.Env{}, model.ToolCall{ID: "c7", Name: "soft", Args: map[string]any{"path": "x"}})
		gt.True(t, res.IsError)
		gt.Equal(t, res.Data["code"], any("file_not_found"))
	})
}

func TestRegistryCompact(t *testing.T) {
	reg, err := tool.New(
		&mockTool{name: "plain", execute: echo},
		&compactingTool{mockTool{name: "shrink", execute: echo}},
	)
	gt.NoError(t, err)

	plain := &model.ToolResult{Name: "plain", Data: map[string]any{"x": 1}}
	got, ok := reg.Compact(0, 3, plain)
	gt.False(t, ok)
	gt.Equal(t, got, plain)

	shrink := &model.ToolResult{Name: "shrink", CallID: "s1", Data: map[string]any{"x": 1}}
	got, ok = reg.Compact(0, 3, shrink)
	gt.True(t, ok)
	gt.Equal(t, got.Data["compacted"], any(true))
	gt.Equal(t, shrink.Data["x"], any(1))
}

func TestEnvResolve(t *testing.T) {
	env := &tool.Env{BasePath: "/work/repo"}

	p, err := env.Resolve("src/main.go")
	gt.NoError(t, err)
	gt.Equal(t, p, "/work/repo/src/main.go")

	_, err = env.Resolve("../etc/passwd")
	gt.True(t, errors.Is(err, tool.ErrPathTraversal))

	_, err = env.Resolve("/etc/passwd")
	gt.True(t, errors.Is(err, tool.ErrPathTraversal))

	_, err = (&tool.Env{}).Resolve("a")
	gt.True(t, errors.Is(err, tool.ErrMissingCapability))
}

func TestEnvResolveSymlinks(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	gt.NoError(t, os.MkdirAll(filepath.Join(base, "src"), 0o755))
	gt.NoError(t, os.Symlink(outside, filepath.Join(base, "escape")))
	gt.NoError(t, os.Symlink(filepath.Join(outside, "new.txt"), filepath.Join(base, "dangling")))
	gt.NoError(t, os.Symlink("src", filepath.Join(base, "alias")))

	env := &tool.Env{BasePath: base}

	_, err := env.Resolve("escape/secret.txt")
	gt.True(t, errors.Is(err, tool.ErrPathTraversal))

	_, err = env.Resolve("escape")
	gt.True(t, errors.Is(err, tool.ErrPathTraversal))

	_, err = env.Resolve("dangling")
	gt.True(t, errors.Is(err, tool.ErrPathTraversal))

	p, err := env.Resolve("alias/main.go")
	gt.NoError(t, err)
	gt.Equal(t, p, filepath.Join(base, "alias", "main.go"))

	p, err = env.Resolve("src/new/dir/file.go")
	gt.NoError(t, err)
	gt.Equal(t, p, filepath.Join(base, "src", "new", "dir", "file.go"))
}
