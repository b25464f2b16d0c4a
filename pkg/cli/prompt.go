package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
)

func newSpinner(w io.Writer, suffix string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + suffix
	return s
}

// terminalAsker answers ask_user from the terminal. The spinner is paused
// while a question is open.
type terminalAsker struct {
	mu      sync.Mutex
	rl      *readline.Instance
	w       io.Writer
	spinner *spinner.Spinner
}

func newTerminalAsker(w io.Writer, s *spinner.Spinner) (*terminalAsker, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "answer> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to initialize readline")
	}
	return &terminalAsker{rl: rl, w: w, spinner: s}, nil
}

func (a *terminalAsker) Ask(ctx context.Context, question string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.spinner != nil && a.spinner.Active() {
		a.spinner.Stop()
		defer a.spinner.Start()
	}

	fmt.Fprintf(a.w, "\n🤖 %s\n", question)
	line, err := a.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", goerr.New("question was interrupted")
		}
		return "", goerr.Wrap(err, "failed to read answer")
	}
	return strings.TrimSpace(line), nil
}

func (a *terminalAsker) Close() error {
	return a.rl.Close()
}
