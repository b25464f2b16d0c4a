package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
)

type writeParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Write implements write_file. Parent directories are created as needed.
type Write struct{}

func NewWrite() *Write { return &Write{} }

func (t *Write) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "write_file",
		Description: "Create or overwrite a file in the repository with the given content.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"path":    tool.String("Path relative to the repository root"),
			"content": tool.String("Complete new file content"),
		}, "path", "content"),
	}
}

func (t *Write) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	var p writeParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}

	path, err := env.Resolve(p.Path)
	if err != nil {
		if errors.Is(err, tool.ErrPathTraversal) {
			return tool.Failure("path_traversal", fmt.Sprintf("path %q is outside the repository", p.Path)), nil
		}
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.Failure("write_failed", err.Error()), nil
	}

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return tool.Failure("write_failed", err.Error()), nil
	}

	return map[string]any{
		"path":    p.Path,
		"bytes":   len(p.Content),
		"created": created,
	}, nil
}

func (t *Write) DescribeCall(args map[string]any) string {
	return fmt.Sprintf("write %v", args["path"])
}

func (t *Write) DescribeResult(data map[string]any) string {
	if tool.IsFailure(data) {
		return fmt.Sprintf("error: %v", data["error"])
	}
	return fmt.Sprintf("%v bytes", data["bytes"])
}
