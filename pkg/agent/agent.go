// Package agent runs the tool-calling loop between a language model and
// the tool registry.
package agent

import (
	"context"
	"fmt"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/epavanello/fixodev-sub000/pkg/utils/tokens"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxIterations = 25
	MinIterations        = 1
	MaxIterations        = 50

	defaultToolConcurrency = 4

	continuePrompt = "Continue with the task. Use the tools, and call the completion tool when you are done."
)

// Agent drives one model against one tool registry
type Agent struct {
	llm      adapter.LLM
	registry *tool.Registry
	env      *tool.Env

	maxIterations   int
	concurrentTools int
	view            viewBuilder
}

// Option is a functional option for Agent
type Option func(*Agent)

// WithMaxIterations sets the iteration budget, clamped to [1, 50]
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		a.maxIterations = min(max(n, MinIterations), MaxIterations)
	}
}

// WithConcurrentTools executes the tool calls of one response in parallel
// with at most limit calls in flight. Results keep the call order.
func WithConcurrentTools(limit int) Option {
	return func(a *Agent) {
		if limit <= 0 {
			limit = defaultToolConcurrency
		}
		a.concurrentTools = limit
	}
}

// WithEnv sets the capabilities handed to every tool call
func WithEnv(env *tool.Env) Option {
	return func(a *Agent) {
		a.env = env
		if env != nil && env.Memory != nil {
			a.view.memory = env.Memory
		}
	}
}

// WithMaxResultTokens bounds results of tools without a compaction rule.
// Zero disables truncation.
func WithMaxResultTokens(n int) Option {
	return func(a *Agent) {
		a.view.maxResultTokens = n
	}
}

// WithMemoryLimit sets how many insights are folded into the system prompt
func WithMemoryLimit(n int) Option {
	return func(a *Agent) {
		a.view.memoryLimit = n
	}
}

// New creates an agent
func New(llm adapter.LLM, registry *tool.Registry, opts ...Option) *Agent {
	a := &Agent{
		llm:           llm,
		registry:      registry,
		env:           &tool.Env{},
		maxIterations: DefaultMaxIterations,
		view: viewBuilder{
			registry:        registry,
			counter:         tokens.Shared(),
			maxResultTokens: DefaultMaxResultTokens,
			memoryLimit:     DefaultMemoryLimit,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of Run
type Result struct {
	// Output is the completion tool payload, or {"response": text} when the
	// model answered in plain text on the last iteration.
	Output map[string]any
	// Completed is true when the completion tool was called successfully
	Completed  bool
	Iterations int
	Usage      model.Usage
}

type runConfig struct {
	singleShot bool
}

// RunOption changes a single Run call
type RunOption func(*runConfig)

// WithSingleShot stops after the first model response
func WithSingleShot() RunOption {
	return func(c *runConfig) {
		c.singleShot = true
	}
}

// View returns the transcript as it would be sent to the model
func (a *Agent) View(c *Context) []model.Message {
	return a.view.build(c)
}

// Run appends input to c and loops until the completion tool is called or
// the iteration budget is spent. Only language model failures are returned
// as errors; tool failures are fed back to the model.
func (a *Agent) Run(ctx context.Context, c *Context, input string, opts ...RunOption) (*Result, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if c.System() == "" {
		if prompts := a.registry.Prompts(ctx); prompts != "" {
			c.SetSystem(prompts)
		}
	}
	c.Append(model.Message{Role: model.RoleUser, Content: input})

	logger := logging.From(ctx)
	result := &Result{}
	specs := a.registry.Specs()

	for i := 1; i <= a.maxIterations; i++ {
		result.Iterations = i
		logger.Debug("agent iteration", "iteration", i, "messages", c.Len())

		resp, err := a.llm.Complete(ctx, &model.CompletionRequest{
			Messages: a.view.build(c),
			Tools:    specs,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "language model request failed", goerr.V("iteration", i))
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		final := i == a.maxIterations || cfg.singleShot

		if len(resp.ToolCalls) == 0 {
			c.Append(model.Message{Role: model.RoleAssistant, Content: resp.Text})
			if final {
				result.Output = map[string]any{"response": resp.Text}
				break
			}
			c.Append(model.Message{Role: model.RoleUser, Content: continuePrompt})
			continue
		}

		if resp.Text != "" {
			c.Append(model.Message{Role: model.RoleAssistant, Content: resp.Text})
		}

		calls := normalizeCalls(resp.ToolCalls, i)
		results := a.dispatch(ctx, calls)

		completed := false
		for idx, call := range calls {
			res := results[idx]
			c.Append(
				model.Message{Role: model.RoleToolCall, ToolCall: &call},
				model.Message{Role: model.RoleToolResult, ToolResult: res},
			)
			if a.registry.IsCompletion(call.Name) && !res.IsError {
				completed = true
				result.Output = res.Data
			}
		}

		if completed {
			result.Completed = true
			logger.Info("agent completed", "iterations", i)
			return result, nil
		}
		if cfg.singleShot {
			break
		}
	}

	if !result.Completed && !cfg.singleShot {
		logger.Warn("agent iteration budget exhausted",
			"max_iterations", a.maxIterations,
			"messages", c.Len(),
		)
		if result.Output == nil {
			result.Output = map[string]any{
				"objectiveAchieved": false,
				"summary":           fmt.Sprintf("stopped after %d iterations without completing", result.Iterations),
			}
		}
	}
	return result, nil
}

func (a *Agent) dispatch(ctx context.Context, calls []model.ToolCall) []*model.ToolResult {
	results := make([]*model.ToolResult, len(calls))

	if a.concurrentTools <= 1 || len(calls) == 1 {
		for i, call := range calls {
			results[i] = a.registry.Execute(ctx, a.env, call)
		}
		return results
	}

	var eg errgroup.Group
	eg.SetLimit(a.concurrentTools)
	for i, call := range calls {
		eg.Go(func() error {
			results[i] = a.registry.Execute(ctx, a.env, call)
			return nil
		})
	}
	// Registry.Execute never fails, results carry errors as payloads
	_ = eg.Wait()
	return results
}

// normalizeCalls assigns ids to calls the provider left without one
func normalizeCalls(calls []model.ToolCall, iteration int) []model.ToolCall {
	out := make([]model.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", iteration, i)
		}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		out[i] = call
	}
	return out
}
