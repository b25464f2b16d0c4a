package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/memory"
	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrMissingCapability = goerr.New("missing tool capability")
	ErrPathTraversal     = goerr.New("path escapes base directory")
)

// Sandbox runs commands in an isolated container
type Sandbox interface {
	ExecuteCommand(ctx context.Context, req *sandbox.Request) *sandbox.Result
}

// Asker asks the operator a question and returns the answer
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
}

// Env is the capability set handed to every tool call. Tools must not reach
// for resources that are not in Env.
type Env struct {
	// BasePath is the workspace root all file paths are resolved against
	BasePath string
	// Runtime selects the sandbox image for run_command
	Runtime string
	Sandbox Sandbox
	Asker   Asker
	Memory  *memory.Store
}

// Resolve joins rel to BasePath and rejects paths leaving it, either
// textually or through a symlink inside the workspace
func (e *Env) Resolve(rel string) (string, error) {
	if e == nil || e.BasePath == "" {
		return "", goerr.Wrap(ErrMissingCapability, "base path is not set")
	}

	base, err := filepath.Abs(e.BasePath)
	if err != nil {
		return "", goerr.Wrap(err, "failed to resolve base path", goerr.V("base", e.BasePath))
	}

	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, rel)
	}
	target = filepath.Clean(target)

	if !within(base, target) {
		return "", goerr.Wrap(ErrPathTraversal, "invalid path", goerr.V("path", rel))
	}

	realBase, err := filepath.EvalSymlinks(base)
	if errors.Is(err, fs.ErrNotExist) {
		// nothing on disk yet, so nothing can be linked
		return target, nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to resolve base path", goerr.V("base", e.BasePath))
	}

	resolved, err := evalExisting(target)
	if err != nil {
		return "", goerr.Wrap(ErrPathTraversal, "cannot resolve path", goerr.V("path", rel), goerr.V("error", err.Error()))
	}
	if !within(realBase, resolved) {
		return "", goerr.Wrap(ErrPathTraversal, "path is linked outside base", goerr.V("path", rel))
	}
	return target, nil
}

func within(base, path string) bool {
	return path == base || strings.HasPrefix(path, base+string(filepath.Separator))
}

const maxLinkHops = 40

// evalExisting resolves symlinks of path, including dangling ones, for the
// part of path that exists on disk. Missing trailing elements are appended
// unchanged.
func evalExisting(path string) (string, error) {
	var missing []string
	for hops := 0; hops < maxLinkHops; {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		info, lerr := os.Lstat(path)
		if lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			// dangling link: follow it by hand, a write would create its target
			dest, err := os.Readlink(path)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(path), dest)
			}
			path = filepath.Clean(dest)
			hops++
			continue
		}

		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(append([]string{path}, missing...)...), nil
		}
		missing = append([]string{filepath.Base(path)}, missing...)
		path = parent
	}
	return "", goerr.New("too many symlinks")
}

// Failure builds the error payload returned to the model
func Failure(code, message string) map[string]any {
	return map[string]any{
		"error": message,
		"code":  code,
	}
}

// IsFailure reports whether data is an error payload
func IsFailure(data map[string]any) bool {
	_, ok := data["error"]
	return ok
}

// Decode converts validated arguments into a typed parameter struct
func Decode(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal tool arguments")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return goerr.Wrap(err, "failed to decode tool arguments")
	}
	return nil
}
