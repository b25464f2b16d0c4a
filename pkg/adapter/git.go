package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/url"
	"os/exec"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Git performs the repository operations of a job
type Git interface {
	Clone(ctx context.Context, cloneURL, dir, branch string) error
	Checkout(ctx context.Context, dir, branch string, create bool) error
	// CommitAll stages every change and commits it. It returns false when
	// the working tree is clean.
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	Push(ctx context.Context, dir, branch string) error
}

// GitCLI drives the git binary
type GitCLI struct {
	binary      string
	token       string
	authorName  string
	authorEmail string
}

type GitOption func(*GitCLI)

// WithGitToken authenticates https clones and pushes. The token is passed
// per command and never written to the repository config.
func WithGitToken(token string) GitOption {
	return func(g *GitCLI) {
		g.token = token
	}
}

func WithGitAuthor(name, email string) GitOption {
	return func(g *GitCLI) {
		g.authorName = name
		g.authorEmail = email
	}
}

func NewGitCLI(opts ...GitOption) *GitCLI {
	g := &GitCLI{
		binary:      "git",
		authorName:  "fixodev",
		authorEmail: "fixodev@users.noreply.github.com",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitCLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", goerr.Wrap(err, "git command failed",
			goerr.V("args", g.redact(strings.Join(args, " "))),
			goerr.V("output", g.redact(out.String())),
		)
	}
	return out.String(), nil
}

func (g *GitCLI) redact(s string) string {
	if g.token == "" {
		return s
	}
	s = strings.ReplaceAll(s, g.credentials(), "***")
	return strings.ReplaceAll(s, g.token, "***")
}

func (g *GitCLI) credentials() string {
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.token))
}

// authArgs are global options that authenticate one command without
// touching .git/config
func (g *GitCLI) authArgs() []string {
	if g.token == "" {
		return nil
	}
	return []string{"-c", "http.extraHeader=Authorization: Basic " + g.credentials()}
}

// stripUserinfo removes credentials from a remote url
func stripUserinfo(remote string) string {
	u, err := url.Parse(remote)
	if err != nil || u.User == nil {
		return remote
	}
	u.User = nil
	return u.String()
}

// Clone checks out cloneURL into dir. The remote saved in the clone never
// carries credentials, since dir is readable by the agent.
func (g *GitCLI) Clone(ctx context.Context, cloneURL, dir, branch string) error {
	args := append(g.authArgs(), "clone", "--depth", "50")
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, dir)
	if _, err := g.run(ctx, "", args...); err != nil {
		return err
	}

	if clean := stripUserinfo(cloneURL); clean != cloneURL {
		if _, err := g.run(ctx, dir, "remote", "set-url", "origin", clean); err != nil {
			return err
		}
	}
	return nil
}

func (g *GitCLI) Checkout(ctx context.Context, dir, branch string, create bool) error {
	if create {
		_, err := g.run(ctx, dir, "checkout", "-B", branch)
		return err
	}
	_, err := g.run(ctx, dir, "checkout", branch)
	return err
}

func (g *GitCLI) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := g.run(ctx, dir, "add", "--all"); err != nil {
		return false, err
	}

	status, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	_, err = g.run(ctx, dir,
		"-c", "user.name="+g.authorName,
		"-c", "user.email="+g.authorEmail,
		"commit", "--no-verify", "-m", message,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GitCLI) Push(ctx context.Context, dir, branch string) error {
	args := append(g.authArgs(), "push", "--set-upstream", "origin", branch)
	_, err := g.run(ctx, dir, args...)
	return err
}
