package cli

import (
	"context"
	"fmt"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func limitCommand() *cli.Command {
	var (
		cfg     config
		subject string
		kind    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "subject",
			Usage:       "User or organization to check",
			Required:    true,
			Destination: &subject,
		},
		&cli.StringFlag{
			Name:        "kind",
			Usage:       "Subject kind (user, organization)",
			Value:       string(model.SubjectKindUser),
			Destination: &kind,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "limit",
		Usage: "Show the rate limit decision for a subject",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)
			w := c.Root().Writer

			fc, err := cfg.loadFile()
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			decision, err := newLimiter(repo, fc).CheckRateLimit(ctx, model.Subject{
				ID:   subject,
				Kind: model.SubjectKind(kind),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to check rate limit")
			}

			fmt.Fprintf(w, "Subject: %s (%s)\n", subject, kind)
			fmt.Fprintf(w, "Plan:    %s\n", decision.Plan)
			fmt.Fprintf(w, "Allowed: %t\n", decision.Allowed)
			fmt.Fprintf(w, "Usage:   %d / %d\n", decision.Count, decision.Limit)
			if decision.Reason != "" {
				fmt.Fprintf(w, "Reason:  %s\n", decision.Reason)
			}
			return nil
		},
	}
}
