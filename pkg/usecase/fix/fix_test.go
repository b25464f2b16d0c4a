package fix_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/epavanello/fixodev-sub000/pkg/tool/control"
	"github.com/epavanello/fixodev-sub000/pkg/usecase/fix"
	"github.com/m-mizutani/gt"
)

type mockLLM struct {
	mu        sync.Mutex
	responses []*model.CompletionResponse
	calls     int
}

func (m *mockLLM) Complete(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := m.responses[min(m.calls, len(m.responses)-1)]
	m.calls++
	return resp, nil
}

func toolCall(name string, args map[string]any) *model.CompletionResponse {
	return &model.CompletionResponse{ToolCalls: []model.ToolCall{{Name: name, Args: args}}}
}

func complete(achieved bool, summary string) *model.CompletionResponse {
	return toolCall(control.CompleteToolName, map[string]any{
		"objectiveAchieved": achieved,
		"summary":           summary,
	})
}

// fixingLLM writes fix.txt and completes
func fixingLLM() *mockLLM {
	return &mockLLM{responses: []*model.CompletionResponse{
		toolCall("write_file", map[string]any{"path": "fix.txt", "content": "fixed\n"}),
		complete(true, "Added the missing nil check"),
	}}
}

// mockGit clones files into the workspace and detects changes against them
type mockGit struct {
	files map[string]string

	mu        sync.Mutex
	clonedTo  string
	cloneRef  string
	checkouts []string
	commits   []string
	pushes    []string
}

func (m *mockGit) Clone(ctx context.Context, cloneURL, dir, branch string) error {
	m.mu.Lock()
	m.clonedTo = dir
	m.cloneRef = branch
	m.mu.Unlock()
	for name, content := range m.files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockGit) Checkout(ctx context.Context, dir, branch string, create bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts = append(m.checkouts, branch)
	return nil
}

func (m *mockGit) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	changed := false
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if orig, ok := m.files[rel]; !ok || orig != string(data) {
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.mu.Lock()
		m.commits = append(m.commits, message)
		m.mu.Unlock()
	}
	return changed, nil
}

func (m *mockGit) Push(ctx context.Context, dir, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, branch)
	return nil
}

type comment struct {
	number int
	body   string
}

type mockSCM struct {
	comments []comment
	prs      []*adapter.PullRequest
}

func (m *mockSCM) CreateComment(ctx context.Context, repo model.Repository, number int, body string) error {
	m.comments = append(m.comments, comment{number: number, body: body})
	return nil
}

func (m *mockSCM) CreatePullRequest(ctx context.Context, repo model.Repository, pr *adapter.PullRequest) (*adapter.PullRequestRef, error) {
	m.prs = append(m.prs, pr)
	return &adapter.PullRequestRef{Number: 100, URL: "https://github.com/octo/demo/pull/100"}, nil
}

type mockSandbox struct {
	mu       sync.Mutex
	commands []string
	runtimes []string
	failOn   string
}

func (m *mockSandbox) ExecuteCommand(ctx context.Context, req *sandbox.Request) *sandbox.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, req.Command)
	m.runtimes = append(m.runtimes, req.Runtime)

	code := 0
	if req.Command == m.failOn {
		code = 1
		return &sandbox.Result{Success: false, Output: "FAIL: TestParser\n", ExitCode: &code}
	}
	return &sandbox.Result{Success: true, Output: "ok\n", ExitCode: &code}
}

type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockStorage) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *mockStorage) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

var demoRepo = model.Repository{
	Owner:         "octo",
	Name:          "demo",
	CloneURL:      "https://github.com/octo/demo.git",
	DefaultBranch: "main",
}

func issueJob(testJob bool) (*model.Job, *model.IssueFixPayload) {
	p := &model.IssueFixPayload{
		Repository:   demoRepo,
		IssueNumber:  42,
		IssueTitle:   "Parser crashes on empty input",
		Instructions: "@fixodev please fix",
		TriggeredBy:  "alice",
		TestJob:      testJob,
	}
	job := model.NewJob("", p, time.Now())
	job.Attempts = 1
	return job, p
}

func goRepo() *mockGit {
	return &mockGit{files: map[string]string{
		"go.mod":  "module example.com/demo\n",
		"main.go": "package main\n",
	}}
}

func TestIssueFixOpensPullRequest(t *testing.T) {
	ctx := context.Background()
	git := goRepo()
	scm := &mockSCM{}
	sb := &mockSandbox{}
	storage := &mockStorage{}

	uc := fix.New(git, fixingLLM(),
		fix.WithSCM(scm),
		fix.WithSandbox(sb),
		fix.WithStorage(storage),
		fix.WithWorkDir(t.TempDir()),
	)

	job, p := issueJob(false)
	gt.NoError(t, uc.HandleIssueFix(ctx, job, p))

	gt.Equal(t, git.cloneRef, "main")
	gt.Equal(t, git.checkouts, []string{"fixodev/issue-42"})
	gt.A(t, git.commits).Length(1)
	gt.Equal(t, git.pushes, []string{"fixodev/issue-42"})

	gt.Equal(t, sb.commands, []string{"go build ./...", "go vet ./...", "go test ./..."})
	for _, rt := range sb.runtimes {
		gt.Equal(t, rt, fix.RuntimeGo)
	}

	gt.A(t, scm.prs).Length(1)
	gt.Equal(t, scm.prs[0].Head, "fixodev/issue-42")
	gt.Equal(t, scm.prs[0].Base, "main")
	gt.S(t, scm.prs[0].Body).Contains("Added the missing nil check")
	gt.S(t, scm.prs[0].Body).Contains("Closes #42")

	gt.A(t, scm.comments).Length(1)
	gt.Equal(t, scm.comments[0].number, 42)
	gt.S(t, scm.comments[0].body).Contains("https://github.com/octo/demo/pull/100")

	transcript, err := storage.Get(ctx, fix.TranscriptKey(job.ID, 1))
	gt.NoError(t, err)
	gt.S(t, string(transcript)).Contains("write_file")

	_, err = os.Stat(git.clonedTo)
	gt.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIssueFixTestJobSkipsSideEffects(t *testing.T) {
	git := goRepo()
	uc := fix.New(git, fixingLLM(), fix.WithWorkDir(t.TempDir()))

	job, p := issueJob(true)
	gt.NoError(t, uc.HandleIssueFix(context.Background(), job, p))

	gt.A(t, git.commits).Length(1)
	gt.A(t, git.pushes).Length(0)
}

func TestIssueFixRequiresSCM(t *testing.T) {
	git := goRepo()
	uc := fix.New(git, fixingLLM(), fix.WithWorkDir(t.TempDir()))

	job, p := issueJob(false)
	err := uc.HandleIssueFix(context.Background(), job, p)
	gt.True(t, errors.Is(err, fix.ErrSCMNotConfigured))
	gt.Equal(t, git.clonedTo, "")
}

func TestIssueFixObjectiveNotAchieved(t *testing.T) {
	git := goRepo()
	scm := &mockSCM{}
	llm := &mockLLM{responses: []*model.CompletionResponse{complete(false, "could not reproduce")}}
	uc := fix.New(git, llm, fix.WithSCM(scm), fix.WithWorkDir(t.TempDir()))

	job, p := issueJob(false)
	err := uc.HandleIssueFix(context.Background(), job, p)
	gt.True(t, errors.Is(err, fix.ErrObjectiveNotAchieved))
	gt.A(t, git.commits).Length(0)
	gt.A(t, scm.prs).Length(0)
}

func TestIssueFixVerificationFails(t *testing.T) {
	git := goRepo()
	scm := &mockSCM{}
	sb := &mockSandbox{failOn: "go test ./..."}
	uc := fix.New(git, fixingLLM(), fix.WithSCM(scm), fix.WithSandbox(sb), fix.WithWorkDir(t.TempDir()))

	job, p := issueJob(false)
	err := uc.HandleIssueFix(context.Background(), job, p)
	gt.True(t, errors.Is(err, fix.ErrVerificationFailed))
	gt.A(t, git.pushes).Length(0)
	gt.A(t, scm.prs).Length(0)
}

func TestIssueFixWithoutVerification(t *testing.T) {
	git := goRepo()
	sb := &mockSandbox{failOn: "go test ./..."}
	uc := fix.New(git, fixingLLM(),
		fix.WithSCM(&mockSCM{}),
		fix.WithSandbox(sb),
		fix.WithoutVerification(),
		fix.WithWorkDir(t.TempDir()),
	)

	job, p := issueJob(false)
	gt.NoError(t, uc.HandleIssueFix(context.Background(), job, p))
	gt.A(t, sb.commands).Length(0)
}

func TestIssueFixWithoutChanges(t *testing.T) {
	git := goRepo()
	scm := &mockSCM{}
	llm := &mockLLM{responses: []*model.CompletionResponse{complete(true, "The parser already handles empty input")}}
	uc := fix.New(git, llm, fix.WithSCM(scm), fix.WithWorkDir(t.TempDir()))

	job, p := issueJob(false)
	gt.NoError(t, uc.HandleIssueFix(context.Background(), job, p))

	gt.A(t, git.pushes).Length(0)
	gt.A(t, scm.prs).Length(0)
	gt.A(t, scm.comments).Length(1)
	gt.S(t, scm.comments[0].body).Contains("already handles empty input")
}

func TestPRUpdatePushesToBranch(t *testing.T) {
	git := goRepo()
	scm := &mockSCM{}
	uc := fix.New(git, fixingLLM(), fix.WithSCM(scm), fix.WithWorkDir(t.TempDir()))

	p := &model.PRUpdatePayload{
		Repository:   demoRepo,
		PullNumber:   7,
		Branch:       "fixodev/issue-42",
		Instructions: "rename the helper",
		TriggeredBy:  "bob",
	}
	job := model.NewJob("", p, time.Now())

	gt.NoError(t, uc.HandlePRUpdate(context.Background(), job, p))

	gt.Equal(t, git.cloneRef, "fixodev/issue-42")
	gt.A(t, git.checkouts).Length(0)
	gt.Equal(t, git.pushes, []string{"fixodev/issue-42"})
	gt.A(t, scm.comments).Length(1)
	gt.Equal(t, scm.comments[0].number, 7)
}

func TestHandlersThroughQueue(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	git := goRepo()

	uc := fix.New(git, fixingLLM(), fix.WithWorkDir(t.TempDir()))
	q, err := queue.New(repo, uc.Handlers())
	gt.NoError(t, err)

	job, _ := issueJob(true)
	job.Attempts = 0
	gt.NoError(t, q.Enqueue(ctx, job))
	q.Wait()

	got, err := repo.GetJob(ctx, job.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Status, model.JobStatusCompleted)
	gt.Equal(t, got.Attempts, 1)

	logs := strings.Join(got.Logs, "\n")
	gt.S(t, logs).Contains("cloned octo/demo")
	gt.S(t, logs).Contains("test job")
}

func TestDetectRuntime(t *testing.T) {
	testCases := []struct {
		file string
		want string
	}{
		{"go.mod", fix.RuntimeGo},
		{"package.json", fix.RuntimeNode},
		{"requirements.txt", fix.RuntimePython},
		{"pyproject.toml", fix.RuntimePython},
		{"README.md", fix.RuntimeDefault},
	}

	for _, tc := range testCases {
		t.Run(tc.file, func(t *testing.T) {
			dir := t.TempDir()
			gt.NoError(t, os.WriteFile(filepath.Join(dir, tc.file), []byte("x"), 0644))
			gt.Equal(t, fix.DetectRuntime(dir), tc.want)
		})
	}
}

func TestImages(t *testing.T) {
	images := fix.Images(map[string]fix.Runtime{
		"go":    {Image: "golang:1.25"},
		"empty": {},
	})
	gt.Equal(t, images, map[string]string{"go": "golang:1.25"})
}
