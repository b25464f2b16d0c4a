package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/usecase/fix"
	"github.com/epavanello/fixodev-sub000/pkg/workflow"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func enqueueCommand() *cli.Command {
	var (
		cfg       config
		in        jobInput
		eventFile string
		eventKind string
		policyDir string
		botName   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "event",
			Aliases:     []string{"e"},
			Usage:       "Path to a webhook event body (\"-\" for stdin), translated by the ingest policy",
			Destination: &eventFile,
		},
		&cli.StringFlag{
			Name:        "event-kind",
			Usage:       "Event name, e.g. issue_comment",
			Destination: &eventKind,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego ingest policies, built-in policy when empty",
			Sources:     cli.EnvVars("FIXODEV_POLICY_DIR"),
			Destination: &policyDir,
		},
		&cli.StringFlag{
			Name:        "bot-name",
			Usage:       "Mention that triggers the bot",
			Value:       workflow.DefaultBotName,
			Sources:     cli.EnvVars("FIXODEV_BOT_NAME"),
			Destination: &botName,
		},
	}
	flags = append(flags, jobFlags(&in)...)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "enqueue",
		Usage: "Add jobs to the queue from flags or from a webhook event",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)
			w := c.Root().Writer

			var jobs []*model.Job
			if eventFile != "" {
				if eventKind == "" {
					return goerr.New("event-kind is required with --event")
				}
				raw, err := readInput(eventFile)
				if err != nil {
					return err
				}
				engine, err := workflow.New(ctx, policyDir, workflow.WithBotName(botName))
				if err != nil {
					return goerr.Wrap(err, "failed to load ingest policy")
				}
				jobs, err = engine.Evaluate(ctx, eventKind, raw)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintf(w, "event produced no job\n")
					return nil
				}
			} else {
				job, err := in.build(time.Now())
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			}

			fc, err := cfg.loadFile()
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			submitter := fix.NewSubmitter(&jobStore{repo: repo}, newLimiter(repo, fc))
			for _, job := range jobs {
				decision, err := submitter.Submit(ctx, job)
				if errors.Is(err, fix.ErrRateLimited) {
					fmt.Fprintf(w, "rejected %s: %s\n", job.Type(), decision.Reason)
					continue
				}
				if err != nil {
					return goerr.Wrap(err, "failed to submit job")
				}
				fmt.Fprintf(w, "enqueued %s (%s)\n", job.ID, job.Type())
			}
			return nil
		},
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read stdin")
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read file", goerr.V("path", path))
	}
	return data, nil
}
