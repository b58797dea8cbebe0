package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/scholardigest/internal/cfg"
	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/digest/filestore"
	"github.com/linnemanlabs/scholardigest/internal/digest/memstore"
	"github.com/linnemanlabs/scholardigest/internal/digest/pgstore"
	"github.com/linnemanlabs/scholardigest/internal/enrich"
	"github.com/linnemanlabs/scholardigest/internal/extract/scholar"
	"github.com/linnemanlabs/scholardigest/internal/llm"
	"github.com/linnemanlabs/scholardigest/internal/llm/claude"
	"github.com/linnemanlabs/scholardigest/internal/llm/openai"
	"github.com/linnemanlabs/scholardigest/internal/mail/maildir"
	"github.com/linnemanlabs/scholardigest/internal/notify/slack"
	"github.com/linnemanlabs/scholardigest/internal/postgres"
	"github.com/linnemanlabs/scholardigest/internal/rules"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg       *vc.Config
	logger    log.Logger
	backing   digest.Backing
	source    digest.MailSource
	extractor digest.Extractor
	scorer    *digest.Scorer
	enricher  digest.Enricher
	notifier  digest.Notifier
	hooks     digest.RunHooks
	now       func() time.Time
}

func newApp(ctx context.Context, c *vc.Config, L log.Logger, dm *digest.Metrics) (*app, func(), error) {
	backing, closeBacking, err := openBacking(ctx, c, L)
	if err != nil {
		return nil, nil, err
	}

	backend, err := newBackend(c, L)
	if err != nil {
		closeBacking()
		return nil, nil, err
	}

	a := &app{
		cfg:       c,
		logger:    L,
		backing:   backing,
		source:    maildir.New(c.MailDir, c.MailSender, L),
		extractor: scholar.New(),
		scorer:    digest.NewScorer(backend, L, dm.ScoreHooks()),
		hooks:     dm.RunHooks(),
		now:       time.Now,
	}
	if c.Enrich {
		a.enricher = enrich.New(enrich.Options{}, L)
		L.Info(ctx, "enrichment enabled")
	}
	if c.SlackWebhookURL != "" {
		a.notifier = slack.New(c.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	return a, closeBacking, nil
}

// openBacking selects the PostgreSQL store when a database URL is set and
// the file store otherwise.
func openBacking(ctx context.Context, c *vc.Config, L log.Logger) (digest.Backing, func(), error) {
	if c.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
			SlowQuery: time.Duration(c.DBSlowQueryMS) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return store, pool.Close, nil
	}

	store, err := filestore.Open(c.DataDir, L)
	if err != nil {
		return nil, nil, fmt.Errorf("filestore init: %w", err)
	}
	L.Info(ctx, "using file store", "data_dir", c.DataDir)
	return store, func() {}, nil
}

// newBackend builds the configured scoring backend wrapped in a Guard. It
// returns nil for the "none" backend, leaving the Scorer on its fallback.
func newBackend(c *vc.Config, L log.Logger) (digest.Backend, error) {
	var inner digest.Backend
	switch c.Backend {
	case vc.BackendClaude:
		inner = claude.New(claude.Options{
			APIKey:      c.ClaudeAPIKey,
			Model:       c.ClaudeModel,
			Temperature: c.Temperature,
		})
	case vc.BackendOpenAI:
		inner = openai.New(openai.Options{
			APIKey:      c.OpenAIAPIKey,
			Model:       c.OpenAIModel,
			BaseURL:     c.OpenAIBaseURL,
			Temperature: c.Temperature,
		})
	case vc.BackendNone:
		L.Info(context.Background(), "no scoring backend configured, using keyword fallback")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}

	return llm.NewGuard(inner, llm.GuardOptions{
		Timeout:     c.BackendTimeout(),
		RPS:         c.BackendRPS,
		Burst:       c.ScoreConcurrency,
		MaxFailures: c.BackendMaxFailures,
	}, L), nil
}

// loadRules reads the rules file, falling back to the defaults when it does
// not exist.
func (a *app) loadRules(ctx context.Context) (*rules.File, error) {
	f, err := rules.Load(a.cfg.RulesFile)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn(ctx, "rules file not found, using defaults", "rules_file", a.cfg.RulesFile)
		return rules.Default(), nil
	}
	return f, err
}

// coordinator returns a Coordinator over the real store, or over an
// in-memory overlay of it for dry runs. Dry runs never notify.
func (a *app) coordinator(dryRun bool) *digest.Coordinator {
	opts := digest.CoordinatorOptions{
		Enricher:         a.enricher,
		Notifier:         a.notifier,
		Hooks:            a.hooks,
		ScoreConcurrency: a.cfg.ScoreConcurrency,
		Now:              a.now,
	}
	backing := a.backing
	if dryRun {
		backing = memstore.NewOverlay(a.backing)
		opts.Notifier = nil
	}
	return digest.NewCoordinator(a.source, a.extractor, backing, a.scorer, a.logger, opts)
}

// runOnce loads the rules and executes one pipeline run. op labels the
// database queries of the run; empty keeps the caller's label.
func (a *app) runOnce(ctx context.Context, op string, dryRun bool, since *digest.Watermark) (*digest.RunReport, error) {
	rf, err := a.loadRules(ctx)
	if err != nil {
		return nil, err
	}

	ctx = postgres.NewQueryStatsContext(postgres.WithOperation(ctx, op))
	rep, err := a.coordinator(dryRun).Run(ctx, digest.RunOptions{
		Rules:  rf.RuleSet(),
		Since:  since,
		DryRun: dryRun,
	})

	if stats, ok := postgres.QueryStatsFromContext(ctx); ok {
		if n, total, errs := stats.Snapshot(); n > 0 {
			a.logger.Info(ctx, "run database usage", "run_id", rep.ID, "queries", n, "query_seconds", total.Seconds(), "query_errors", errs)
		}
	}
	return rep, err
}
