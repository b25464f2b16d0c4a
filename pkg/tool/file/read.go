// Package file provides workspace file tools confined to Env.BasePath.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
)

const (
	defaultReadLines = 400
	maxLineLength    = 2000
	// keepRecentReads is how many of the latest read_file results stay
	// verbatim in the transcript view
	keepRecentReads = 5
)

type readParams struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// Read implements read_file
type Read struct{}

func NewRead() *Read { return &Read{} }

func (t *Read) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "read_file",
		Description: "Read a text file from the repository. Output has numbered lines; use offset and limit for large files.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"path":   tool.String("Path relative to the repository root"),
			"offset": tool.Integer("1-based line to start from (default 1)"),
			"limit":  tool.Integer(fmt.Sprintf("Maximum number of lines (default %d)", defaultReadLines)),
		}, "path"),
	}
}

func (t *Read) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	var p readParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}
	if p.Offset < 1 {
		p.Offset = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultReadLines
	}

	path, err := env.Resolve(p.Path)
	if err != nil {
		if errors.Is(err, tool.ErrPathTraversal) {
			return tool.Failure("path_traversal", fmt.Sprintf("path %q is outside the repository", p.Path)), nil
		}
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tool.Failure("file_not_found", fmt.Sprintf("file %q does not exist", p.Path)), nil
		}
		return tool.Failure("read_failed", err.Error()), nil
	}
	defer f.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line, shown := 0, 0
	for scanner.Scan() {
		line++
		if line < p.Offset || shown >= p.Limit {
			continue
		}
		text := scanner.Text()
		if len(text) > maxLineLength {
			text = text[:maxLineLength]
		}
		fmt.Fprintf(&out, "%6d\t%s\n", line, text)
		shown++
	}
	if err := scanner.Err(); err != nil {
		return tool.Failure("read_failed", err.Error()), nil
	}

	return map[string]any{
		"path":        p.Path,
		"content":     out.String(),
		"total_lines": line,
		"truncated":   p.Offset+shown-1 < line,
	}, nil
}

// Compact replaces the content of older reads with a placeholder, keeping
// the latest results verbatim.
func (t *Read) Compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult {
	if totalCalls-priorCalls <= keepRecentReads || result.IsError {
		return result
	}
	return elide(result, "content", "[content omitted: read again if needed]")
}

func (t *Read) DescribeCall(args map[string]any) string {
	return fmt.Sprintf("read %v", args["path"])
}

func (t *Read) DescribeResult(data map[string]any) string {
	if tool.IsFailure(data) {
		return fmt.Sprintf("error: %v", data["error"])
	}
	return fmt.Sprintf("%v lines", data["total_lines"])
}

// elide copies result with key replaced by placeholder
func elide(result *model.ToolResult, key, placeholder string) *model.ToolResult {
	data := make(map[string]any, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	if _, ok := data[key]; ok {
		data[key] = placeholder
	}
	cp := *result
	cp.Data = data
	return &cp
}
