package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func workerCommand() *cli.Command {
	var (
		cfg          config
		maxRetries   int64
		jobTimeout   time.Duration
		pollInterval time.Duration
		backoffBase  time.Duration
		backoffMax   time.Duration
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "max-retries",
			Usage:       "Attempts before a job is marked failed",
			Value:       queue.DefaultMaxRetries,
			Sources:     cli.EnvVars("FIXODEV_MAX_RETRIES"),
			Destination: &maxRetries,
		},
		&cli.DurationFlag{
			Name:        "job-timeout",
			Usage:       "Timeout of one job attempt",
			Value:       queue.DefaultJobTimeout,
			Sources:     cli.EnvVars("FIXODEV_JOB_TIMEOUT"),
			Destination: &jobTimeout,
		},
		&cli.DurationFlag{
			Name:        "poll-interval",
			Usage:       "Interval between polls of the job store",
			Value:       queue.DefaultPollInterval,
			Sources:     cli.EnvVars("FIXODEV_POLL_INTERVAL"),
			Destination: &pollInterval,
		},
		&cli.DurationFlag{
			Name:        "backoff-base",
			Usage:       "Delay before the first retry, doubled on each attempt",
			Value:       queue.DefaultBackoffBase,
			Sources:     cli.EnvVars("FIXODEV_BACKOFF_BASE"),
			Destination: &backoffBase,
		},
		&cli.DurationFlag{
			Name:        "backoff-max",
			Usage:       "Upper bound of the retry delay",
			Value:       queue.DefaultBackoffMax,
			Sources:     cli.EnvVars("FIXODEV_BACKOFF_MAX"),
			Destination: &backoffMax,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, workerFlags(&cfg)...)
	flags = append(flags, sandboxFlags(&cfg)...)
	flags = append(flags, handlerFlags(&cfg)...)

	return &cli.Command{
		Name:  "worker",
		Usage: "Process queued jobs until interrupted",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)

			fc, err := cfg.loadFile()
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := repo.Close(); err != nil {
					logging.From(ctx).Warn("failed to close repository", "error", err)
				}
			}()

			uc, closeTools, err := cfg.newUseCase(ctx, fc)
			if err != nil {
				return err
			}
			defer closeTools()

			q, err := queue.New(repo, uc.Handlers(),
				queue.WithMaxRetries(int(maxRetries)),
				queue.WithJobTimeout(jobTimeout),
				queue.WithPollInterval(pollInterval),
				queue.WithBackoff(backoffBase, backoffMax),
			)
			if err != nil {
				return goerr.Wrap(err, "failed to create queue")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return q.Run(ctx)
		},
	}
}
