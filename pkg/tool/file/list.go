package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
)

const maxListEntries = 500

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
}

type listParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// List implements list_files
type List struct{}

func NewList() *List { return &List{} }

func (t *List) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "list_files",
		Description: "List files and directories under a repository path.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"path":      tool.String("Directory relative to the repository root (default: root)"),
			"recursive": tool.Boolean("Walk sub directories"),
		}),
	}
}

func (t *List) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	var p listParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "."
	}

	root, err := env.Resolve(p.Path)
	if err != nil {
		if errors.Is(err, tool.ErrPathTraversal) {
			return tool.Failure("path_traversal", fmt.Sprintf("path %q is outside the repository", p.Path)), nil
		}
		return nil, err
	}

	var entries []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}

		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)

		if d.IsDir() && !p.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, fs.ErrNotExist) {
			return tool.Failure("file_not_found", fmt.Sprintf("directory %q does not exist", p.Path)), nil
		}
		return tool.Failure("list_failed", walkErr.Error()), nil
	}

	sort.Strings(entries)
	return map[string]any{
		"path":      p.Path,
		"entries":   strings.Join(entries, "\n"),
		"count":     len(entries),
		"truncated": truncated,
	}, nil
}
