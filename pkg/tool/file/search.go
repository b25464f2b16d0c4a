package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
)

const (
	defaultSearchTimeout = 10 * time.Second
	maxSearchMatches     = 200
	maxSearchFileSize    = 1 << 20
	keepRecentSearches   = 3
)

var errSearchLimit = errors.New("search match limit reached")

type searchParams struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Glob    string `json:"glob"`
}

// Search implements search_files, a regular expression search bounded by a
// timeout.
type Search struct {
	timeout time.Duration
}

type SearchOption func(*Search)

func WithSearchTimeout(d time.Duration) SearchOption {
	return func(s *Search) {
		s.timeout = d
	}
}

func NewSearch(opts ...SearchOption) *Search {
	s := &Search{timeout: defaultSearchTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (t *Search) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "search_files",
		Description: "Search file contents with a regular expression. Returns matching lines as path:line:text.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"pattern": tool.String("RE2 regular expression"),
			"path":    tool.String("Directory to search (default: repository root)"),
			"glob":    tool.String("Optional file name glob, e.g. *.go"),
		}, "pattern"),
	}
}

func (t *Search) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	var p searchParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "."
	}

	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return tool.Failure("invalid_pattern", err.Error()), nil
	}

	root, err := env.Resolve(p.Path)
	if err != nil {
		if errors.Is(err, tool.ErrPathTraversal) {
			return tool.Failure("path_traversal", fmt.Sprintf("path %q is outside the repository", p.Path)), nil
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if p.Glob != "" {
			if ok, _ := filepath.Match(p.Glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		return searchFile(ctx, path, filepath.ToSlash(rel), re, &matches)
	})

	switch {
	case errors.Is(walkErr, context.DeadlineExceeded):
		return map[string]any{
			"error":   fmt.Sprintf("search timed out after %s", t.timeout),
			"code":    "search_timeout",
			"matches": strings.Join(matches, "\n"),
		}, nil
	case errors.Is(walkErr, fs.ErrNotExist):
		return tool.Failure("file_not_found", fmt.Sprintf("directory %q does not exist", p.Path)), nil
	case walkErr != nil && !errors.Is(walkErr, errSearchLimit):
		return tool.Failure("search_failed", walkErr.Error()), nil
	}

	return map[string]any{
		"pattern":   p.Pattern,
		"matches":   strings.Join(matches, "\n"),
		"count":     len(matches),
		"truncated": errors.Is(walkErr, errSearchLimit),
	}, nil
}

func searchFile(ctx context.Context, path, rel string, re *regexp.Regexp, matches *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if line%512 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if len(text) > 300 {
			text = text[:300]
		}
		*matches = append(*matches, fmt.Sprintf("%s:%d:%s", rel, line, text))
		if len(*matches) >= maxSearchMatches {
			return errSearchLimit
		}
	}
	return nil
}

// Compact keeps only the match count of older searches
func (t *Search) Compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult {
	if totalCalls-priorCalls <= keepRecentSearches || result.IsError {
		return result
	}
	return elide(result, "matches", "[matches omitted: search again if needed]")
}
