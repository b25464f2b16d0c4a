package fix

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/agent"
	"github.com/epavanello/fixodev-sub000/pkg/memory"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/epavanello/fixodev-sub000/pkg/tool/command"
	"github.com/epavanello/fixodev-sub000/pkg/tool/control"
	"github.com/epavanello/fixodev-sub000/pkg/tool/file"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/system.md
var systemPrompt string

const verifyOutputLines = 40

// solve runs the agent in ws and verifies the result. It returns the
// summary reported through the completion tool.
func (uc *UseCase) solve(ctx context.Context, job *model.Job, ws *workspace, input string) (string, error) {
	registry, err := uc.registry(ctx)
	if err != nil {
		return "", err
	}

	env := &tool.Env{
		BasePath: ws.dir,
		Runtime:  ws.runtime,
		Sandbox:  uc.sandbox,
		Asker:    uc.asker,
		Memory:   memory.New(),
	}

	opts := []agent.Option{agent.WithEnv(env)}
	if uc.maxIterations > 0 {
		opts = append(opts, agent.WithMaxIterations(uc.maxIterations))
	}
	if uc.concurrentTools > 0 {
		opts = append(opts, agent.WithConcurrentTools(uc.concurrentTools))
	}
	a := agent.New(uc.llm, registry, opts...)

	system := strings.TrimSpace(systemPrompt)
	if prompts := registry.Prompts(ctx); prompts != "" {
		system += "\n\n" + prompts
	}
	c := agent.NewContext(system)

	result, err := a.Run(ctx, c, input)
	uc.archive(ctx, job, c)
	if err != nil {
		return "", goerr.Wrap(err, "agent run failed")
	}

	queue.AppendLog(ctx, "agent finished after %d iteration(s), %d input / %d output tokens",
		result.Iterations, result.Usage.InputTokens, result.Usage.OutputTokens)

	achieved, _ := result.Output["objectiveAchieved"].(bool)
	summary, _ := result.Output["summary"].(string)
	if !result.Completed || !achieved {
		return "", goerr.Wrap(ErrObjectiveNotAchieved, "agent gave up",
			goerr.V("summary", summary),
			goerr.V("iterations", result.Iterations))
	}

	if err := uc.verify(ctx, ws); err != nil {
		return "", err
	}
	return summary, nil
}

func (uc *UseCase) registry(ctx context.Context) (*tool.Registry, error) {
	registry, err := tool.New(
		file.NewRead(),
		file.NewWrite(),
		file.NewList(),
		file.NewSearch(),
		control.NewSaveInsight(),
		control.NewComplete(),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build tool registry")
	}
	if uc.sandbox != nil {
		if err := registry.Register(command.NewRun()); err != nil {
			return nil, goerr.Wrap(err, "failed to register run_command")
		}
	}
	if uc.asker != nil {
		if err := registry.Register(control.NewAsk()); err != nil {
			return nil, goerr.Wrap(err, "failed to register ask_user")
		}
	}

	// A configured tool that collides with a built-in is skipped rather
	// than failing the job
	for _, t := range uc.tools {
		if err := registry.Register(t); err != nil {
			logging.From(ctx).Warn("skipping tool", "tool", t.Spec().Name, "error", err)
		}
	}
	return registry, nil
}

// archive stores the transcript of one attempt. Failures are logged only.
func (uc *UseCase) archive(ctx context.Context, job *model.Job, c *agent.Context) {
	if uc.storage == nil {
		return
	}

	raw, err := json.MarshalIndent(c.Messages(), "", "  ")
	if err != nil {
		logging.From(ctx).Warn("failed to marshal transcript", "error", err)
		return
	}

	key := TranscriptKey(job.ID, job.Attempts)
	if err := uc.storage.Put(ctx, key, raw); err != nil {
		logging.From(ctx).Warn("failed to archive transcript", "key", key, "error", err)
		return
	}
	queue.AppendLog(ctx, "transcript archived to %s", key)
}

// TranscriptKey is the storage key of the transcript of one attempt
func TranscriptKey(jobID model.JobID, attempt int) string {
	return fmt.Sprintf("transcripts/%s/attempt-%d.json", jobID, attempt)
}

// verify runs the runtime's build, lint and test commands in the sandbox
func (uc *UseCase) verify(ctx context.Context, ws *workspace) error {
	if uc.sandbox == nil || uc.skipVerification {
		return nil
	}

	rt := uc.runtimes[ws.runtime]
	steps := []struct {
		name    string
		command string
	}{
		{"build", rt.Build},
		{"lint", rt.Lint},
		{"test", rt.Test},
	}

	for _, step := range steps {
		if step.command == "" {
			continue
		}

		result := uc.sandbox.ExecuteCommand(ctx, &sandbox.Request{
			Runtime:       ws.runtime,
			WorkspacePath: ws.dir,
			Command:       step.command,
		})
		if !result.Success {
			queue.AppendLog(ctx, "%s failed: %s", step.name, step.command)
			return goerr.Wrap(ErrVerificationFailed, "verification step failed",
				goerr.V("step", step.name),
				goerr.V("command", step.command),
				goerr.V("timed_out", result.TimedOut),
				goerr.V("output", lastLines(result.Output, verifyOutputLines)))
		}
		queue.AppendLog(ctx, "%s passed", step.name)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
