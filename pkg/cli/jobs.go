package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func jobsCommand() *cli.Command {
	var (
		cfg    config
		status string
		limit  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "status",
			Aliases:     []string{"s"},
			Usage:       "Only list jobs in this status",
			Destination: &status,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of jobs to list",
			Value:       50,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:      "jobs",
		Usage:     "List jobs, or show one job with its log",
		ArgsUsage: "[job-id]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)
			w := c.Root().Writer

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if id := c.Args().First(); id != "" {
				job, err := repo.GetJob(ctx, model.JobID(id))
				if err != nil {
					return goerr.Wrap(err, "failed to get job")
				}
				printJob(w, job)
				return nil
			}

			jobStatus := model.JobStatus(status)
			if jobStatus != "" {
				if err := jobStatus.Validate(); err != nil {
					return err
				}
			}

			jobs, err := repo.ListJobs(ctx, jobStatus, int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to list jobs")
			}
			for _, job := range jobs {
				fmt.Fprintf(w, "%s  %-10s  %-9s  attempts=%d  %s  %s\n",
					job.ID,
					job.Status,
					job.Type(),
					job.Attempts,
					job.CreatedAt.Format("2006-01-02 15:04:05"),
					describePayload(job.Payload),
				)
			}
			fmt.Fprintf(w, "\nTotal: %d job(s)\n", len(jobs))
			return nil
		},
	}
}

func describePayload(p model.JobPayload) string {
	switch v := p.(type) {
	case *model.IssueFixPayload:
		return fmt.Sprintf("%s#%d", v.Repository.FullName(), v.IssueNumber)
	case *model.PRUpdatePayload:
		return fmt.Sprintf("%s!%d (%s)", v.Repository.FullName(), v.PullNumber, v.Branch)
	default:
		return ""
	}
}

func printJob(w io.Writer, job *model.Job) {
	fmt.Fprintf(w, "ID:       %s\n", job.ID)
	fmt.Fprintf(w, "Type:     %s\n", job.Type())
	fmt.Fprintf(w, "Target:   %s\n", describePayload(job.Payload))
	fmt.Fprintf(w, "Status:   %s\n", job.Status)
	fmt.Fprintf(w, "Attempts: %d\n", job.Attempts)
	fmt.Fprintf(w, "Created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated:  %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
	if job.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", job.LastError)
	}
	if len(job.Logs) > 0 {
		fmt.Fprintf(w, "\nLog:\n  %s\n", strings.Join(job.Logs, "\n  "))
	}
}
