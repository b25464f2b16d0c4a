package cli

import (
	"context"
	"os"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/epavanello/fixodev-sub000/pkg/ratelimit"
	"github.com/epavanello/fixodev-sub000/pkg/repository"
	"github.com/epavanello/fixodev-sub000/pkg/sandbox"
	"github.com/epavanello/fixodev-sub000/pkg/service/mcp"
	"github.com/epavanello/fixodev-sub000/pkg/tool"
	"github.com/epavanello/fixodev-sub000/pkg/usecase/fix"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	logLevel   string
	logFormat  string
	configFile string

	// Repository
	backend     string
	sqlitePath  string
	postgresDSN string
	project     string
	database    string

	// Adapters
	llmProvider     string
	llmModel        string
	anthropicAPIKey string
	openaiAPIKey    string
	openaiBaseURL   string
	geminiProject   string
	geminiLocation  string
	githubToken     string
	githubAPIURL    string
	bucket          string

	// Sandbox
	imagePrefix    string
	sandboxTimeout time.Duration
	noSandbox      bool

	// Job handler
	workDir       string
	maxIterations int64
	noVerify      bool
}

// fileConfig is the YAML configuration file
type fileConfig struct {
	Runtimes map[string]fix.Runtime   `yaml:"runtimes"`
	Plans    map[string]ratelimit.Plan `yaml:"plans"`
	// Subjects maps a subject id to a plan name
	Subjects map[string]string  `yaml:"subjects"`
	MCP      []mcp.ServerConfig `yaml:"mcp"`
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("FIXODEV_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("FIXODEV_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML file with runtimes, plans and MCP servers",
			Sources:     cli.EnvVars("FIXODEV_CONFIG"),
			Destination: &cfg.configFile,
		},
	}
}

// repositoryFlags returns flags selecting the job store
func repositoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Job store backend (memory, sqlite, postgres, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("FIXODEV_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file",
			Value:       "fixodev.db",
			Sources:     cli.EnvVars("FIXODEV_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "postgres-dsn",
			Usage:       "PostgreSQL connection string",
			Sources:     cli.EnvVars("FIXODEV_POSTGRES_DSN", "DATABASE_URL"),
			Destination: &cfg.postgresDSN,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Language model provider (gemini, claude, openai)",
			Value:       "gemini",
			Sources:     cli.EnvVars("FIXODEV_LLM"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "llm-model",
			Usage:       "Model name, provider default when empty",
			Sources:     cli.EnvVars("FIXODEV_LLM_MODEL"),
			Destination: &cfg.llmModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "OpenAI compatible endpoint",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// workerFlags returns flags for the collaborators of a job handler
func workerFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "github-token",
			Usage:       "GitHub token for clone, push, pull requests and comments",
			Sources:     cli.EnvVars("GITHUB_TOKEN"),
			Destination: &cfg.githubToken,
		},
		&cli.StringFlag{
			Name:        "github-api-url",
			Usage:       "GitHub API base URL",
			Value:       "https://api.github.com",
			Sources:     cli.EnvVars("GITHUB_API_URL"),
			Destination: &cfg.githubAPIURL,
		},
		&cli.StringFlag{
			Name:        "transcript-bucket",
			Usage:       "Cloud Storage bucket for agent transcripts",
			Sources:     cli.EnvVars("FIXODEV_TRANSCRIPT_BUCKET"),
			Destination: &cfg.bucket,
		},
	}
}

// sandboxFlags returns flags for the container executor
func sandboxFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "image-prefix",
			Usage:       "Registry prefix for runtime images",
			Sources:     cli.EnvVars("FIXODEV_IMAGE_PREFIX"),
			Destination: &cfg.imagePrefix,
		},
		&cli.DurationFlag{
			Name:        "sandbox-timeout",
			Usage:       "Default timeout of one sandboxed command",
			Value:       sandbox.DefaultTimeout,
			Sources:     cli.EnvVars("FIXODEV_SANDBOX_TIMEOUT"),
			Destination: &cfg.sandboxTimeout,
		},
	}
}

// handlerFlags returns flags tuning the fix use case
func handlerFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "workdir",
			Usage:       "Parent directory for job workspaces",
			Value:       os.TempDir(),
			Sources:     cli.EnvVars("FIXODEV_WORKDIR"),
			Destination: &cfg.workDir,
		},
		&cli.IntFlag{
			Name:        "max-iterations",
			Usage:       "Iteration budget of one agent run (1-50)",
			Value:       25,
			Sources:     cli.EnvVars("FIXODEV_MAX_ITERATIONS"),
			Destination: &cfg.maxIterations,
		},
		&cli.BoolFlag{
			Name:        "no-sandbox",
			Usage:       "Run without Docker: disables run_command and verification",
			Sources:     cli.EnvVars("FIXODEV_NO_SANDBOX"),
			Destination: &cfg.noSandbox,
		},
		&cli.BoolFlag{
			Name:        "no-verify",
			Usage:       "Skip build, lint and test after the agent finishes",
			Sources:     cli.EnvVars("FIXODEV_NO_VERIFY"),
			Destination: &cfg.noVerify,
		},
	}
}

// logger installs the configured logger as default and into ctx
func (cfg *config) logger(ctx context.Context) context.Context {
	logger := logging.NewWithFormat(logging.Format(cfg.logFormat), cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// loadFile reads the YAML configuration. No file yields an empty config.
func (cfg *config) loadFile() (*fileConfig, error) {
	fc := &fileConfig{}
	if cfg.configFile == "" {
		return fc, nil
	}

	data, err := os.ReadFile(cfg.configFile)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", cfg.configFile))
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", cfg.configFile))
	}
	return fc, nil
}

// newRepository creates the configured job store
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.backend {
	case "memory":
		return repository.NewMemory(), nil

	case "sqlite":
		if cfg.sqlitePath == "" {
			return nil, goerr.New("sqlite-path is required")
		}
		return repository.NewSQLite(cfg.sqlitePath)

	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, goerr.New("postgres-dsn is required")
		}
		return repository.NewPostgres(ctx, cfg.postgresDSN)

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		return repository.NewFirestore(ctx, cfg.project, cfg.database)

	default:
		return nil, goerr.New("unknown backend", goerr.V("backend", cfg.backend))
	}
}

// newLLM creates the configured language model adapter
func (cfg *config) newLLM(ctx context.Context) (adapter.LLM, error) {
	switch cfg.llmProvider {
	case "gemini":
		if cfg.geminiProject == "" {
			return nil, goerr.New("gemini-project is required")
		}
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		var opts []adapter.GeminiOption
		if cfg.llmModel != "" {
			opts = append(opts, adapter.WithGenerativeModel(cfg.llmModel))
		}
		return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)

	case "claude":
		var opts []adapter.ClaudeOption
		if cfg.llmModel != "" {
			opts = append(opts, adapter.WithClaudeModel(cfg.llmModel))
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, opts...)

	case "openai":
		var opts []adapter.OpenAIOption
		if cfg.llmModel != "" {
			opts = append(opts, adapter.WithOpenAIModel(cfg.llmModel))
		}
		if cfg.openaiBaseURL != "" {
			opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
		}
		return adapter.NewOpenAI(cfg.openaiAPIKey, opts...)

	default:
		return nil, goerr.New("unknown llm provider", goerr.V("llm", cfg.llmProvider))
	}
}

// newSandbox connects to Docker and maps runtimes to images
func (cfg *config) newSandbox(runtimes map[string]fix.Runtime) (*sandbox.Executor, error) {
	docker, err := sandbox.NewDockerClient()
	if err != nil {
		return nil, err
	}

	return sandbox.New(docker,
		sandbox.WithImagePrefix(cfg.imagePrefix),
		sandbox.WithImages(fix.Images(runtimes)),
		sandbox.WithTimeout(cfg.sandboxTimeout),
	), nil
}

// newSCM returns nil when no token is configured
func (cfg *config) newSCM() adapter.SCM {
	if cfg.githubToken == "" {
		return nil
	}
	return adapter.NewGitHub(cfg.githubToken, adapter.WithGitHubBaseURL(cfg.githubAPIURL))
}

func (cfg *config) newGit() adapter.Git {
	var opts []adapter.GitOption
	if cfg.githubToken != "" {
		opts = append(opts, adapter.WithGitToken(cfg.githubToken))
	}
	return adapter.NewGitCLI(opts...)
}

// newStorage returns nil when no bucket is configured
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// runtimes merges the configured runtimes over the defaults
func (fc *fileConfig) runtimes() map[string]fix.Runtime {
	runtimes := fix.DefaultRuntimes()
	for name, rt := range fc.Runtimes {
		runtimes[name] = rt
	}
	return runtimes
}

// newUseCase wires the fix use case from configuration. The returned
// closer releases MCP sessions.
func (cfg *config) newUseCase(ctx context.Context, fc *fileConfig, opts ...fix.Option) (*fix.UseCase, func(), error) {
	llm, err := cfg.newLLM(ctx)
	if err != nil {
		return nil, nil, err
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, nil, err
	}

	runtimes := fc.runtimes()
	base := []fix.Option{
		fix.WithSCM(cfg.newSCM()),
		fix.WithStorage(storage),
		fix.WithRuntimes(runtimes),
		fix.WithWorkDir(cfg.workDir),
		fix.WithMaxIterations(int(cfg.maxIterations)),
	}
	if cfg.noVerify {
		base = append(base, fix.WithoutVerification())
	}
	if !cfg.noSandbox {
		sb, err := cfg.newSandbox(runtimes)
		if err != nil {
			return nil, nil, err
		}
		base = append(base, fix.WithSandbox(sb))
	}

	tools, closer, err := newMCPTools(ctx, fc)
	if err != nil {
		return nil, nil, err
	}
	base = append(base, fix.WithTools(tools...))

	return fix.New(cfg.newGit(), llm, append(base, opts...)...), closer, nil
}

func newLimiter(repo repository.Repository, fc *fileConfig) *ratelimit.Limiter {
	var opts []ratelimit.Option
	if len(fc.Plans) > 0 {
		opts = append(opts, ratelimit.WithPlans(fc.Plans))
	}
	if len(fc.Subjects) > 0 {
		opts = append(opts, ratelimit.WithSubjectPlans(fc.Subjects))
	}
	return ratelimit.New(repo, opts...)
}

// newMCPTools connects to the configured MCP servers. The returned closer
// must be called when the tools are no longer used.
func newMCPTools(ctx context.Context, fc *fileConfig) ([]tool.Tool, func(), error) {
	if len(fc.MCP) == 0 {
		return nil, func() {}, nil
	}

	client := mcp.ConnectAll(ctx, fc.MCP)
	closer := func() {
		if err := client.Close(); err != nil {
			logging.From(ctx).Warn("failed to close MCP client", "error", err)
		}
	}

	tools, err := mcp.Tools(client)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return tools, closer, nil
}
