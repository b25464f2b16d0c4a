package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "fixodev",
		Usage: "Agent that turns issue and pull request mentions into code changes",
		Commands: []*cli.Command{
			workerCommand(),
			enqueueCommand(),
			runCommand(),
			execCommand(),
			jobsCommand(),
			limitCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
