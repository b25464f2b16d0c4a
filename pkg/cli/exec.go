package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/epavanello/fixodev-sub000/pkg/usecase/fix"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func execCommand() *cli.Command {
	var (
		cfg       config
		workspace string
		runtime   string
		timeout   time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "workspace",
			Aliases:     []string{"w"},
			Usage:       "Directory mounted read-only into the container",
			Value:       ".",
			Destination: &workspace,
		},
		&cli.StringFlag{
			Name:        "runtime",
			Usage:       "Runtime of the command, detected from the workspace when empty",
			Destination: &runtime,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Timeout of the command, sandbox default when zero",
			Destination: &timeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, sandboxFlags(&cfg)...)

	return &cli.Command{
		Name:      "exec",
		Usage:     "Run a command in the sandbox",
		ArgsUsage: "<command>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.logger(ctx)
			w := c.Root().Writer

			command := strings.Join(c.Args().Slice(), " ")
			if command == "" {
				return goerr.New("command is required")
			}

			fc, err := cfg.loadFile()
			if err != nil {
				return err
			}

			dir, err := filepath.Abs(workspace)
			if err != nil {
				return goerr.Wrap(err, "failed to resolve workspace", goerr.V("workspace", workspace))
			}
			if runtime == "" {
				runtime = fix.DetectRuntime(dir)
			}

			sb, err := cfg.newSandbox(fc.runtimes())
			if err != nil {
				return err
			}

			spin := newSpinner(c.Root().ErrWriter, fmt.Sprintf("running in %s", sb.ResolveImage(runtime)))
			spin.Start()
			result := sb.ExecuteCommand(ctx, &sandbox.Request{
				Runtime:       runtime,
				WorkspacePath: dir,
				Command:       command,
				Timeout:       timeout,
			})
			spin.Stop()

			fmt.Fprint(w, result.Output)
			if !strings.HasSuffix(result.Output, "\n") {
				fmt.Fprintln(w)
			}

			switch {
			case result.ExitCode == nil:
				return goerr.New("command did not run to completion", goerr.V("timed_out", result.TimedOut))
			case !result.Success:
				return goerr.New("command failed", goerr.V("exit_code", *result.ExitCode))
			}
			return nil
		},
	}
}
