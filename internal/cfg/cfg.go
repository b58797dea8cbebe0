package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Backend names accepted by -backend.
const (
	BackendClaude = "claude"
	BackendOpenAI = "openai"
	BackendNone   = "none"
)

// Config holds the scholardigest flags that are not owned by a go-core
// package. It follows the cfg.Registerable and cfg.Validatable shape.
type Config struct {
	RulesFile     string
	DataDir       string
	DatabaseURL   string
	DBSlowQueryMS int
	MailDir       string
	MailSender    string

	Backend               string
	ClaudeAPIKey          string
	ClaudeModel           string
	OpenAIAPIKey          string
	OpenAIModel           string
	OpenAIBaseURL         string
	Temperature           float64
	BackendTimeoutSeconds int
	BackendRPS            float64
	BackendMaxFailures    int
	ScoreConcurrency      int

	Enrich          bool
	ReportDir       string
	SlackWebhookURL string

	APIPort               int
	APIToken              string
	RunIntervalMinutes    int
	DrainSeconds          int
	ShutdownBudgetSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.RulesFile, "rules-file", "rules.yml", "YAML file with keywords, scoring thresholds, prompt and report settings")
	fs.StringVar(&c.DataDir, "data-dir", "data", "directory for the file store (used when -database-url is empty)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = file store in -data-dir)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 0, "log only database queries at least this slow, plus failures (0 = log every query)")
	fs.StringVar(&c.MailDir, "mail-dir", "mail", "directory of .eml alert messages")
	fs.StringVar(&c.MailSender, "mail-sender", "scholaralerts-noreply@google.com", "only messages whose From contains this are read")

	fs.StringVar(&c.Backend, "backend", BackendClaude, "scoring backend: claude, openai or none (keyword fallback only)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude backend")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI backend")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o-mini", "OpenAI model to use")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL of an OpenAI-compatible endpoint (empty = api.openai.com)")
	fs.Float64Var(&c.Temperature, "temperature", 0.2, "sampling temperature for classification (0..2)")
	fs.IntVar(&c.BackendTimeoutSeconds, "backend-timeout-seconds", 30, "timeout per classification call (1..600)")
	fs.Float64Var(&c.BackendRPS, "backend-rps", 2, "maximum backend calls per second")
	fs.IntVar(&c.BackendMaxFailures, "backend-max-failures", 5, "consecutive backend failures before the circuit opens")
	fs.IntVar(&c.ScoreConcurrency, "score-concurrency", 1, "parallel backend calls per batch (1..16)")

	fs.BoolVar(&c.Enrich, "enrich", false, "fetch article pages for High and Medium articles")
	fs.StringVar(&c.ReportDir, "report-dir", "reports", "directory for rendered reports")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run summaries")

	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for POST /api/v1/runs (empty = endpoint disabled)")
	fs.IntVar(&c.RunIntervalMinutes, "run-interval-minutes", 0, "serve: minutes between scheduled runs (0 = manual only)")
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
}

// Validate checks all configuration fields for correctness. Backend
// credentials are checked separately by ValidateBackend, since only the
// commands that score need them.
func (c *Config) Validate() error {
	var errs []error

	if c.RulesFile == "" {
		errs = append(errs, errors.New("RULES_FILE is required"))
	}
	if c.DatabaseURL == "" && c.DataDir == "" {
		errs = append(errs, errors.New("one of DATA_DIR or DATABASE_URL is required"))
	}
	if c.DBSlowQueryMS < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMS))
	}
	if c.ReportDir == "" {
		errs = append(errs, errors.New("REPORT_DIR is required"))
	}

	switch c.Backend {
	case BackendClaude, BackendOpenAI, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("invalid BACKEND %q (must be claude, openai or none)", c.Backend))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("invalid TEMPERATURE %g (must be 0..2)", c.Temperature))
	}
	if c.BackendTimeoutSeconds <= 0 || c.BackendTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid BACKEND_TIMEOUT_SECONDS %d (must be 1..600)", c.BackendTimeoutSeconds))
	}
	if c.BackendRPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid BACKEND_RPS %g (must be > 0)", c.BackendRPS))
	}
	if c.BackendMaxFailures < 1 {
		errs = append(errs, fmt.Errorf("invalid BACKEND_MAX_FAILURES %d (must be >= 1)", c.BackendMaxFailures))
	}
	if c.ScoreConcurrency < 1 || c.ScoreConcurrency > 16 {
		errs = append(errs, fmt.Errorf("invalid SCORE_CONCURRENCY %d (must be 1..16)", c.ScoreConcurrency))
	}

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.RunIntervalMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid RUN_INTERVAL_MINUTES %d (must be >= 0)", c.RunIntervalMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateBackend checks that the selected backend has what it needs to
// make calls.
func (c *Config) ValidateBackend() error {
	var errs []error
	switch c.Backend {
	case BackendClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude backend"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude backend"))
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai backend"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required for the openai backend"))
		}
	}
	return errors.Join(errs...)
}

// BackendTimeout is the per-call classification timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// RunInterval is the serve-mode schedule; zero disables scheduled runs.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalMinutes) * time.Minute
}
