package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/workflow"
	"github.com/m-mizutani/gt"
)

const issueCommentEvent = `{
	"action": "created",
	"issue": {"id": 9001, "number": 42, "title": "Parser crashes on empty input", "body": "steps..."},
	"comment": {"id": 123456789, "body": "@fixodev please fix this", "user": {"login": "alice"}},
	"repository": {
		"name": "demo",
		"owner": {"login": "octo"},
		"clone_url": "https://github.com/octo/demo.git",
		"default_branch": "main"
	}
}`

const reviewCommentEvent = `{
	"action": "created",
	"pull_request": {"number": 7, "head": {"ref": "fixodev/issue-42"}},
	"comment": {"id": 55, "body": "@fixodev rename the helper", "user": {"login": "bob"}},
	"repository": {
		"name": "demo",
		"owner": {"login": "octo"},
		"clone_url": "https://github.com/octo/demo.git"
	}
}`

func TestDefaultPolicyIssueComment(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	engine, err := workflow.New(ctx, "", workflow.WithClock(func() time.Time { return now }))
	gt.NoError(t, err)

	jobs, err := engine.Evaluate(ctx, "issue_comment", []byte(issueCommentEvent))
	gt.NoError(t, err)
	gt.A(t, jobs).Length(1)

	job := jobs[0]
	gt.Equal(t, job.Status, model.JobStatusPending)
	gt.Equal(t, job.CreatedAt, now)
	gt.Equal(t, job.Type(), model.JobTypeIssueFix)

	payload, ok := job.Payload.(*model.IssueFixPayload)
	gt.True(t, ok)
	gt.Equal(t, payload.IssueNumber, 42)
	gt.Equal(t, payload.IssueTitle, "Parser crashes on empty input")
	gt.Equal(t, payload.Instructions, "@fixodev please fix this")
	gt.Equal(t, payload.TriggeredBy, "alice")
	gt.Equal(t, payload.EventRef, "issue_comment/123456789")
	gt.Equal(t, payload.Repository.FullName(), "octo/demo")
	gt.Equal(t, payload.Repository.DefaultBranch, "main")
}

func TestDefaultPolicyReviewComment(t *testing.T) {
	ctx := context.Background()
	engine, err := workflow.New(ctx, "")
	gt.NoError(t, err)

	jobs, err := engine.Evaluate(ctx, "pull_request_review_comment", []byte(reviewCommentEvent))
	gt.NoError(t, err)
	gt.A(t, jobs).Length(1)

	payload, ok := jobs[0].Payload.(*model.PRUpdatePayload)
	gt.True(t, ok)
	gt.Equal(t, payload.PullNumber, 7)
	gt.Equal(t, payload.Branch, "fixodev/issue-42")
	gt.Equal(t, payload.TriggeredBy, "bob")
}

func TestDefaultPolicyIgnoresEvents(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name string
		kind string
		bot  string
	}{
		{"other bot name", "issue_comment", "someone-else"},
		{"unhandled kind", "push", workflow.DefaultBotName},
		{"review comment sent as issue comment", "issue_comment", workflow.DefaultBotName},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine, err := workflow.New(ctx, "", workflow.WithBotName(tc.bot))
			gt.NoError(t, err)

			event := issueCommentEvent
			if tc.name == "review comment sent as issue comment" {
				event = reviewCommentEvent
			}
			jobs, err := engine.Evaluate(ctx, tc.kind, []byte(event))
			gt.NoError(t, err)
			gt.A(t, jobs).Length(0)
		})
	}
}

func TestCustomPolicyDir(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	policy := `package ingest

job contains {
	"type": "pr_update",
	"payload": {
		"repository": {"owner": "octo", "name": "demo", "clone_url": "https://example.com/octo/demo.git"},
		"pull_number": input.event.number,
		"branch": input.event.branch,
		"instructions": "rebase",
		"triggered_by": input.bot,
	},
} if {
	input.kind == "custom"
}
`
	gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ingest.rego"), []byte(policy), 0644))

	engine, err := workflow.New(ctx, tmpDir, workflow.WithBotName("robot"))
	gt.NoError(t, err)

	jobs, err := engine.Evaluate(ctx, "custom", []byte(`{"number": 3, "branch": "feature"}`))
	gt.NoError(t, err)
	gt.A(t, jobs).Length(1)
	gt.Equal(t, jobs[0].Payload.Subject().ID, "robot")

	// The embedded policy is not loaded when a directory provides one
	jobs, err = engine.Evaluate(ctx, "issue_comment", []byte(issueCommentEvent))
	gt.NoError(t, err)
	gt.A(t, jobs).Length(0)
}

func TestPolicyProducingInvalidJob(t *testing.T) {
	ctx := context.Background()

	testCases := map[string]string{
		"unknown type": `package ingest

job contains {"type": "deploy", "payload": {}} if { true }
`,
		"missing issue number": `package ingest

job contains {
	"type": "issue_fix",
	"payload": {"repository": {"owner": "o", "name": "n", "clone_url": "https://example.com/o/n.git"}},
} if { true }
`,
	}

	for name, policy := range testCases {
		t.Run(name, func(t *testing.T) {
			tmpDir := t.TempDir()
			gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ingest.rego"), []byte(policy), 0644))

			engine, err := workflow.New(ctx, tmpDir)
			gt.NoError(t, err)

			_, err = engine.Evaluate(ctx, "any", []byte(`{}`))
			gt.Error(t, err)
			if name == "unknown type" {
				gt.True(t, errors.Is(err, model.ErrUnknownJobType))
			}
		})
	}
}

func TestBrokenPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(tmpDir, "broken.rego"), []byte("package ingest\n\njob contains if {"), 0644))

	_, err := workflow.New(context.Background(), tmpDir)
	gt.Error(t, err)
}

func TestInvalidEventJSON(t *testing.T) {
	ctx := context.Background()
	engine, err := workflow.New(ctx, "")
	gt.NoError(t, err)

	_, err = engine.Evaluate(ctx, "issue_comment", []byte(`{not json`))
	gt.Error(t, err)
}
