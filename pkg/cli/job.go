package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// jobInput describes a job given on the command line
type jobInput struct {
	repo          string
	cloneURL      string
	defaultBranch string
	issue         int64
	pull          int64
	branch        string
	instructions  string
	triggeredBy   string
	testJob       bool
}

func jobFlags(in *jobInput) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Aliases:     []string{"r"},
			Usage:       "Repository as owner/name",
			Destination: &in.repo,
		},
		&cli.StringFlag{
			Name:        "clone-url",
			Usage:       "Clone URL, https://github.com/<repo>.git when empty",
			Destination: &in.cloneURL,
		},
		&cli.StringFlag{
			Name:        "default-branch",
			Usage:       "Base branch for pull requests",
			Value:       "main",
			Destination: &in.defaultBranch,
		},
		&cli.IntFlag{
			Name:        "issue",
			Usage:       "Issue number to fix",
			Destination: &in.issue,
		},
		&cli.IntFlag{
			Name:        "pr",
			Usage:       "Pull request number to update (requires --branch)",
			Destination: &in.pull,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Head branch of the pull request",
			Destination: &in.branch,
		},
		&cli.StringFlag{
			Name:        "instructions",
			Aliases:     []string{"m"},
			Usage:       "What the agent should do",
			Destination: &in.instructions,
		},
		&cli.StringFlag{
			Name:        "triggered-by",
			Usage:       "Account the execution is billed to",
			Sources:     cli.EnvVars("USER"),
			Destination: &in.triggeredBy,
		},
		&cli.BoolFlag{
			Name:        "test",
			Usage:       "Do not push, open pull requests or comment",
			Destination: &in.testJob,
		},
	}
}

// build returns the job described by the flags
func (in *jobInput) build(now time.Time) (*model.Job, error) {
	owner, name, ok := strings.Cut(in.repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, goerr.New("repo must be owner/name", goerr.V("repo", in.repo))
	}

	repo := model.Repository{
		Owner:         owner,
		Name:          name,
		CloneURL:      in.cloneURL,
		DefaultBranch: in.defaultBranch,
	}
	if repo.CloneURL == "" {
		repo.CloneURL = fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
	}

	var payload model.JobPayload
	switch {
	case in.issue > 0 && in.pull > 0:
		return nil, goerr.New("--issue and --pr are exclusive")
	case in.issue > 0:
		payload = &model.IssueFixPayload{
			Repository:   repo,
			IssueNumber:  int(in.issue),
			Instructions: in.instructions,
			TriggeredBy:  in.triggeredBy,
			EventRef:     "cli",
			TestJob:      in.testJob,
		}
	case in.pull > 0:
		payload = &model.PRUpdatePayload{
			Repository:   repo,
			PullNumber:   int(in.pull),
			Branch:       in.branch,
			Instructions: in.instructions,
			TriggeredBy:  in.triggeredBy,
			EventRef:     "cli",
			TestJob:      in.testJob,
		}
	default:
		return nil, goerr.New("either --issue or --pr is required")
	}

	if err := model.ValidatePayload(payload); err != nil {
		return nil, err
	}
	return model.NewJob("", payload, now), nil
}

// jobStore persists jobs for a worker running in another process
type jobStore struct {
	repo repository.Repository
}

func (s *jobStore) Enqueue(ctx context.Context, job *model.Job) error {
	if err := model.ValidatePayload(job.Payload); err != nil {
		return goerr.Wrap(err, "invalid job payload", goerr.V("job_id", job.ID))
	}
	return s.repo.CreateJob(ctx, job)
}
