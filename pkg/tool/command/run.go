// Package command exposes the sandboxed executor to the agent
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

const (
	maxTimeoutSeconds = 600
	// older results keep only this many trailing output lines
	compactTailLines = 20
	keepRecentRuns   = 2
)

type runParams struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Run implements run_command. The workspace is mounted read-only, so the
// tool is meant for builds, linters and tests, not for editing files.
type Run struct{}

func NewRun() *Run { return &Run{} }

func (t *Run) Spec() *model.ToolSpec {
	return &model.ToolSpec{
		Name:        "run_command",
		Description: "Run a shell command in an isolated container with the repository mounted read-only and no network. Use it for builds, linters and tests.",
		Parameters: tool.Object(map[string]*jsonschema.Schema{
			"command":         tool.String("Shell command, executed with sh -c in the repository root"),
			"timeout_seconds": tool.Integer(fmt.Sprintf("Optional timeout, at most %d", maxTimeoutSeconds)),
		}, "command"),
	}
}

func (t *Run) Execute(ctx context.Context, env *tool.Env, args map[string]any) (map[string]any, error) {
	if env == nil || env.Sandbox == nil {
		return nil, goerr.Wrap(tool.ErrMissingCapability, "sandbox is not configured")
	}
	if env.BasePath == "" {
		return nil, goerr.Wrap(tool.ErrMissingCapability, "base path is not set")
	}

	var p runParams
	if err := tool.Decode(args, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return tool.Failure("invalid_parameters", "command is empty"), nil
	}

	req := &sandbox.Request{
		Runtime:       env.Runtime,
		WorkspacePath: env.BasePath,
		Command:       p.Command,
	}
	if p.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(min(p.TimeoutSeconds, maxTimeoutSeconds)) * time.Second
	}

	result := env.Sandbox.ExecuteCommand(ctx, req)
	data := map[string]any{
		"success": result.Success,
		"output":  result.Output,
	}
	if result.ExitCode != nil {
		data["exit_code"] = *result.ExitCode
	}
	if result.TimedOut {
		data["error"] = result.Output
		data["code"] = "timeout"
	}
	return data, nil
}

// Compact trims the output of older runs to its last lines
func (t *Run) Compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult {
	if totalCalls-priorCalls <= keepRecentRuns {
		return result
	}
	output, ok := result.Data["output"].(string)
	if !ok {
		return result
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= compactTailLines {
		return result
	}

	data := make(map[string]any, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	data["output"] = fmt.Sprintf("[%d earlier lines omitted]\n%s", len(lines)-compactTailLines, strings.Join(lines[len(lines)-compactTailLines:], "\n"))

	cp := *result
	cp.Data = data
	return &cp
}

func (t *Run) DescribeCall(args map[string]any) string {
	return fmt.Sprintf("$ %v", args["command"])
}

func (t *Run) DescribeResult(data map[string]any) string {
	return fmt.Sprintf("success=%v exit=%v", data["success"], data["exit_code"])
}
