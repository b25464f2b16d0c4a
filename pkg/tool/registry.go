package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrToolNotFound  = goerr.New("tool not found")
	ErrDuplicateTool = goerr.New("tool already registered")
	ErrInvalidSpec   = goerr.New("invalid tool spec")
)

type entry struct {
	tool     Tool
	spec     *model.ToolSpec
	resolved *jsonschema.Resolved
}

// Registry holds the tool set of one agent run
type Registry struct {
	tools map[string]*entry
	order []string
}

// New creates a registry and registers tools in order
func New(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools: make(map[string]*entry),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. A name that is already registered is rejected and the
// existing tool is kept.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec == nil || spec.Name == "" {
		return goerr.Wrap(ErrInvalidSpec, "tool has no name")
	}
	if _, exists := r.tools[spec.Name]; exists {
		return goerr.Wrap(ErrDuplicateTool, "cannot register tool", goerr.V("name", spec.Name))
	}

	schema := spec.Parameters
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return goerr.Wrap(err, "failed to resolve tool schema", goerr.V("name", spec.Name))
	}

	r.tools[spec.Name] = &entry{tool: t, spec: spec, resolved: resolved}
	r.order = append(r.order, spec.Name)
	return nil
}

// Get resolves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Specs returns tool schemas in registration order
func (r *Registry) Specs() []*model.ToolSpec {
	specs := make([]*model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Names returns registered names in registration order
func (r *Registry) Names() []string {
	return append([]string{}, r.order...)
}

// Prompts concatenates tool specific guidance for the system prompt
func (r *Registry) Prompts(ctx context.Context) string {
	var prompts []string
	for _, name := range r.order {
		if p, ok := r.tools[name].tool.(Prompter); ok {
			if text := p.Prompt(ctx); text != "" {
				prompts = append(prompts, text)
			}
		}
	}
	return strings.Join(prompts, "\n\n")
}

// IsCompletion reports whether name is a completion tool
func (r *Registry) IsCompletion(name string) bool {
	e, ok := r.tools[name]
	if !ok {
		return false
	}
	c, ok := e.tool.(Completer)
	return ok && c.Completes()
}

// Compact applies the tool's compaction rule to result. Tools without a
// rule return result unchanged.
func (r *Registry) Compact(priorCalls, totalCalls int, result *model.ToolResult) (*model.ToolResult, bool) {
	e, ok := r.tools[result.Name]
	if !ok {
		return result, false
	}
	c, ok := e.tool.(Compactor)
	if !ok {
		return result, false
	}
	return c.Compact(priorCalls, totalCalls, result), true
}

// Execute validates the call arguments and runs the tool. It always returns
// a result: unknown tools, invalid arguments, tool errors and panics are
// turned into error payloads.
func (r *Registry) Execute(ctx context.Context, env *Env, call model.ToolCall) (result *model.ToolResult) {
	logger := logging.From(ctx).With("tool", call.Name, "call_id", call.ID)

	result = &model.ToolResult{CallID: call.ID, Name: call.Name}

	e, ok := r.tools[call.Name]
	if !ok {
		result.Data = Failure("unknown_tool", fmt.Sprintf("tool %q is not available", call.Name))
		result.IsError = true
		return result
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := e.resolved.Validate(args); err != nil {
		result.Data = Failure("invalid_parameters", err.Error())
		result.IsError = true
		return result
	}

	if d, ok := e.tool.(Describer); ok {
		logger.Debug("tool call", "call", d.DescribeCall(args))
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("tool panicked", "panic", rec)
			result.Data = Failure("internal_error", fmt.Sprintf("tool panicked: %v", rec))
			result.IsError = true
		}
	}()

	data, err := e.tool.Execute(ctx, env, args)
	if err != nil {
		logger.Error("tool execution failed", "error", err)
		result.Data = Failure("internal_error", err.Error())
		result.IsError = true
		return result
	}
	if data == nil {
		data = map[string]any{}
	}

	result.Data = data
	result.IsError = IsFailure(data)
	if d, ok := e.tool.(Describer); ok {
		logger.Debug("tool result", "result", d.DescribeResult(data))
	}
	return result
}
