package tool

import (
	"context"

	"github.com/epavanello/fixodev-sub000/pkg/model"
)

// Tool is a capability the model can call
type Tool interface {
	// Spec returns the name, description and JSON schema exposed to the model
	Spec() *model.ToolSpec

	// Execute runs the tool with validated arguments. Expected failures (file
	// not found, path traversal, timeouts) are reported in the returned data
	// via Failure. A non-nil error means the tool was misused by the program,
	// e.g. a required capability is missing from env.
	Execute(ctx context.Context, env *Env, args map[string]any) (map[string]any, error)
}

// Compactor rewrites results of a tool in the transcript view. priorCalls
// is the number of calls to the same tool that precede the one being
// rewritten and totalCalls the number of calls to it so far in the run. The
// returned result must not alias the input data map.
type Compactor interface {
	Compact(priorCalls, totalCalls int, result *model.ToolResult) *model.ToolResult
}

// Describer gives short human readable projections for logging
type Describer interface {
	DescribeCall(args map[string]any) string
	DescribeResult(data map[string]any) string
}

// Prompter adds tool specific guidance to the system prompt
type Prompter interface {
	Prompt(ctx context.Context) string
}

// Completer marks the tool whose call ends the agent run
type Completer interface {
	Completes() bool
}
