// Package fix implements the job handlers: it clones the repository, lets
// the agent make the change, verifies it in the sandbox and publishes the
// result as a commit, pull request and comments.
package fix

import (
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/queue"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrObjectiveNotAchieved = goerr.New("agent did not achieve the objective")
	ErrVerificationFailed   = goerr.New("verification failed")
	ErrSCMNotConfigured     = goerr.New("source control provider is not configured")
)

const (
	DefaultBranchPrefix = "fixodev/"
	defaultBaseBranch   = "main"
)

// UseCase runs issue_fix and pr_update jobs
type UseCase struct {
	git adapter.Git
	llm adapter.LLM

	scm     adapter.SCM
	sandbox tool.Sandbox
	storage adapter.Storage
	asker   tool.Asker
	tools   []tool.Tool

	runtimes         map[string]Runtime
	workDir          string
	branchPrefix     string
	maxIterations    int
	concurrentTools  int
	skipVerification bool
	now              func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithSCM sets the provider used for pull requests and comments
func WithSCM(scm adapter.SCM) Option {
	return func(uc *UseCase) {
		uc.scm = scm
	}
}

// WithSandbox enables run_command and post-run verification
func WithSandbox(sandbox tool.Sandbox) Option {
	return func(uc *UseCase) {
		uc.sandbox = sandbox
	}
}

// WithStorage archives every agent transcript
func WithStorage(storage adapter.Storage) Option {
	return func(uc *UseCase) {
		uc.storage = storage
	}
}

// WithAsker enables ask_user. Only interactive runs should set it.
func WithAsker(asker tool.Asker) Option {
	return func(uc *UseCase) {
		uc.asker = asker
	}
}

// WithTools adds tools (e.g. MCP tools) to every agent run
func WithTools(tools ...tool.Tool) Option {
	return func(uc *UseCase) {
		uc.tools = append(uc.tools, tools...)
	}
}

func WithRuntimes(runtimes map[string]Runtime) Option {
	return func(uc *UseCase) {
		for name, rt := range runtimes {
			uc.runtimes[name] = rt
		}
	}
}

// WithWorkDir sets the parent directory of job workspaces
func WithWorkDir(dir string) Option {
	return func(uc *UseCase) {
		uc.workDir = dir
	}
}

func WithBranchPrefix(prefix string) Option {
	return func(uc *UseCase) {
		uc.branchPrefix = prefix
	}
}

func WithMaxIterations(n int) Option {
	return func(uc *UseCase) {
		uc.maxIterations = n
	}
}

func WithConcurrentTools(limit int) Option {
	return func(uc *UseCase) {
		uc.concurrentTools = limit
	}
}

// WithoutVerification skips the build, lint and test commands
func WithoutVerification() Option {
	return func(uc *UseCase) {
		uc.skipVerification = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

func New(git adapter.Git, llm adapter.LLM, opts ...Option) *UseCase {
	uc := &UseCase{
		git:          git,
		llm:          llm,
		runtimes:     DefaultRuntimes(),
		branchPrefix: DefaultBranchPrefix,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Handlers binds the use case to the queue dispatch table
func (uc *UseCase) Handlers() queue.Handlers {
	return queue.Handlers{
		IssueFix: uc.HandleIssueFix,
		PRUpdate: uc.HandlePRUpdate,
	}
}
