package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/epavanello/fixodev-sub000/pkg/usecase/fix"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func runCommand() *cli.Command {
	var (
		cfg         config
		in          jobInput
		interactive bool
		jobTimeout  time.Duration
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "Let the agent ask questions on the terminal",
			Destination: &interactive,
		},
		&cli.DurationFlag{
			Name:        "job-timeout",
			Usage:       "Timeout of the run",
			Value:       queue.DefaultJobTimeout,
			Destination: &jobTimeout,
		},
	}
	flags = append(flags, jobFlags(&in)...)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, workerFlags(&cfg)...)
	flags = append(flags, sandboxFlags(&cfg)...)
	flags = append(flags, handlerFlags(&cfg)...)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one job in this process without a persistent queue",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)
			w := c.Root().Writer

			job, err := in.build(time.Now())
			if err != nil {
				return err
			}

			fc, err := cfg.loadFile()
			if err != nil {
				return err
			}

			spin := newSpinner(c.Root().ErrWriter, fmt.Sprintf("running %s job...", job.Type()))

			var opts []fix.Option
			if interactive {
				asker, err := newTerminalAsker(w, spin)
				if err != nil {
					return err
				}
				defer asker.Close()
				opts = append(opts, fix.WithAsker(asker))
			}

			uc, closeTools, err := cfg.newUseCase(ctx, fc, opts...)
			if err != nil {
				return err
			}
			defer closeTools()

			repo := repository.NewMemory()
			q, err := queue.New(repo, uc.Handlers(),
				queue.WithMaxRetries(1),
				queue.WithJobTimeout(jobTimeout),
			)
			if err != nil {
				return goerr.Wrap(err, "failed to create queue")
			}

			spin.Start()
			err = q.Enqueue(ctx, job)
			q.Wait()
			spin.Stop()
			if err != nil {
				return err
			}

			result, err := repo.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			printJob(w, result)

			if result.Status != model.JobStatusCompleted {
				return goerr.New("job did not complete", goerr.V("status", result.Status))
			}
			return nil
		},
	}
}
