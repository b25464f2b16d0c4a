package fix

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// workspace is the local clone a job works in
type workspace struct {
	dir     string
	branch  string
	runtime string
}

// HandleIssueFix resolves an issue on a new branch and opens a pull request
func (uc *UseCase) HandleIssueFix(ctx context.Context, job *model.Job, p *model.IssueFixPayload) error {
	if !p.TestJob && uc.scm == nil {
		return ErrSCMNotConfigured
	}
	ctx, logger := logging.WithAttrs(ctx, "repository", p.Repository.FullName(), "issue", p.IssueNumber)

	branch := fmt.Sprintf("%sissue-%d", uc.branchPrefix, p.IssueNumber)
	ws, err := uc.prepare(ctx, job, p.Repository, p.Repository.DefaultBranch, branch, true)
	if err != nil {
		return err
	}
	defer uc.cleanup(ctx, ws)

	summary, err := uc.solve(ctx, job, ws, issueInput(p))
	if err != nil {
		return err
	}

	committed, err := uc.git.CommitAll(ctx, ws.dir, fmt.Sprintf("Fix #%d: %s", p.IssueNumber, orDefault(p.IssueTitle, "requested change")))
	if err != nil {
		return goerr.Wrap(err, "failed to commit changes")
	}

	if p.TestJob {
		queue.AppendLog(ctx, "test job: skipping push, pull request and comments (committed=%t)", committed)
		return nil
	}

	if !committed {
		queue.AppendLog(ctx, "no file changed, reporting on the issue")
		body := fmt.Sprintf("I looked into this and found nothing to change.\n\n%s", summary)
		return uc.comment(ctx, p.Repository, p.IssueNumber, body)
	}

	if err := uc.git.Push(ctx, ws.dir, ws.branch); err != nil {
		return goerr.Wrap(err, "failed to push branch", goerr.V("branch", ws.branch))
	}

	pr, err := uc.scm.CreatePullRequest(ctx, p.Repository, &adapter.PullRequest{
		Title: fmt.Sprintf("Fix #%d: %s", p.IssueNumber, orDefault(p.IssueTitle, "requested change")),
		Body:  fmt.Sprintf("%s\n\nCloses #%d", summary, p.IssueNumber),
		Head:  ws.branch,
		Base:  orDefault(p.Repository.DefaultBranch, defaultBaseBranch),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to create pull request")
	}
	queue.AppendLog(ctx, "opened pull request #%d", pr.Number)
	logger.Info("pull request opened", "number", pr.Number, "url", pr.URL)

	return uc.comment(ctx, p.Repository, p.IssueNumber, fmt.Sprintf("Opened %s with a proposed fix.", pr.URL))
}

// HandlePRUpdate applies follow-up instructions to an existing pull request branch
func (uc *UseCase) HandlePRUpdate(ctx context.Context, job *model.Job, p *model.PRUpdatePayload) error {
	if !p.TestJob && uc.scm == nil {
		return ErrSCMNotConfigured
	}
	ctx, logger := logging.WithAttrs(ctx, "repository", p.Repository.FullName(), "pull", p.PullNumber)

	ws, err := uc.prepare(ctx, job, p.Repository, p.Branch, p.Branch, false)
	if err != nil {
		return err
	}
	defer uc.cleanup(ctx, ws)

	summary, err := uc.solve(ctx, job, ws, prInput(p))
	if err != nil {
		return err
	}

	committed, err := uc.git.CommitAll(ctx, ws.dir, fmt.Sprintf("Address review feedback on #%d", p.PullNumber))
	if err != nil {
		return goerr.Wrap(err, "failed to commit changes")
	}

	if p.TestJob {
		queue.AppendLog(ctx, "test job: skipping push and comments (committed=%t)", committed)
		return nil
	}

	if !committed {
		queue.AppendLog(ctx, "no file changed, reporting on the pull request")
		return uc.comment(ctx, p.Repository, p.PullNumber, fmt.Sprintf("No change was needed.\n\n%s", summary))
	}

	if err := uc.git.Push(ctx, ws.dir, ws.branch); err != nil {
		return goerr.Wrap(err, "failed to push branch", goerr.V("branch", ws.branch))
	}
	queue.AppendLog(ctx, "pushed update to %s", ws.branch)
	logger.Info("pull request updated", "branch", ws.branch)

	return uc.comment(ctx, p.Repository, p.PullNumber, fmt.Sprintf("Pushed an update.\n\n%s", summary))
}

// prepare clones repo into a fresh directory. With create the working
// branch is created from cloneBranch, otherwise cloneBranch is used as is.
func (uc *UseCase) prepare(ctx context.Context, job *model.Job, repo model.Repository, cloneBranch, branch string, create bool) (*workspace, error) {
	dir, err := os.MkdirTemp(uc.workDir, "fixodev-"+string(job.ID)+"-")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create workspace", goerr.V("job_id", job.ID))
	}
	ws := &workspace{dir: dir, branch: branch}

	if err := uc.git.Clone(ctx, repo.CloneURL, dir, cloneBranch); err != nil {
		uc.cleanup(ctx, ws)
		return nil, goerr.Wrap(err, "failed to clone repository", goerr.V("repository", repo.FullName()))
	}
	if create {
		if err := uc.git.Checkout(ctx, dir, branch, true); err != nil {
			uc.cleanup(ctx, ws)
			return nil, goerr.Wrap(err, "failed to create branch", goerr.V("branch", branch))
		}
	}

	ws.runtime = DetectRuntime(dir)
	queue.AppendLog(ctx, "cloned %s on %s (runtime %s)", repo.FullName(), branch, ws.runtime)
	return ws, nil
}

func (uc *UseCase) cleanup(ctx context.Context, ws *workspace) {
	if err := os.RemoveAll(ws.dir); err != nil {
		logging.From(ctx).Warn("failed to remove workspace", "dir", ws.dir, "error", err)
	}
}

func (uc *UseCase) comment(ctx context.Context, repo model.Repository, number int, body string) error {
	if err := uc.scm.CreateComment(ctx, repo, number, body); err != nil {
		return goerr.Wrap(err, "failed to post comment", goerr.V("number", number))
	}
	return nil
}

func issueInput(p *model.IssueFixPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve issue #%d in %s.\n", p.IssueNumber, p.Repository.FullName())
	if p.IssueTitle != "" {
		fmt.Fprintf(&b, "\nIssue title: %s\n", p.IssueTitle)
	}
	if p.Instructions != "" {
		fmt.Fprintf(&b, "\nRequest from %s:\n%s\n", orDefault(p.TriggeredBy, "a maintainer"), p.Instructions)
	}
	return b.String()
}

func prInput(p *model.PRUpdatePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Update pull request #%d in %s (branch %s).\n", p.PullNumber, p.Repository.FullName(), p.Branch)
	if p.Instructions != "" {
		fmt.Fprintf(&b, "\nReview feedback from %s:\n%s\n", orDefault(p.TriggeredBy, "a reviewer"), p.Instructions)
	}
	return b.String()
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
