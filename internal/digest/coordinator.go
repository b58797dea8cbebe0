package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/scholardigest/internal/digest")

// maxErrorLen bounds the error text kept in run history.
const maxErrorLen = 4000

// RunHooks receives run lifecycle events, typically wired to metrics.
type RunHooks struct {
	OnRunComplete func(r *RunReport)
}

// CoordinatorOptions holds the optional collaborators of a Coordinator.
type CoordinatorOptions struct {
	Enricher Enricher
	Notifier Notifier
	Hooks    RunHooks

	// ScoreConcurrency bounds parallel backend calls within a batch.
	// Values below 1 mean sequential scoring.
	ScoreConcurrency int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// RunOptions are the per-run inputs.
type RunOptions struct {
	Rules RuleSet

	// Since, when set, replaces the stored watermark as the fetch lower
	// bound for this run. The stored watermark still only moves forward.
	Since *Watermark

	DryRun bool
}

// Coordinator sequences one pipeline run: fetch, normalize, dedup, score,
// persist, advance the watermark.
type Coordinator struct {
	source      MailSource
	extractor   Extractor
	backing     Backing
	watermarks  *Watermarks
	scorer      *Scorer
	enricher    Enricher
	notifier    Notifier
	hooks       RunHooks
	concurrency int
	now         func() time.Time
	logger      log.Logger
}

// NewCoordinator creates a Coordinator. Source, extractor, backing and scorer
// are required.
func NewCoordinator(source MailSource, extractor Extractor, backing Backing, scorer *Scorer, logger log.Logger, opts CoordinatorOptions) *Coordinator {
	if source == nil {
		panic(xerrors.New("mail source is required"))
	}
	if extractor == nil {
		panic(xerrors.New("extractor is required"))
	}
	if backing == nil {
		panic(xerrors.New("store is required"))
	}
	if scorer == nil {
		panic(xerrors.New("scorer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	concurrency := opts.ScoreConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		source:      source,
		extractor:   extractor,
		backing:     backing,
		watermarks:  NewWatermarks(backing),
		scorer:      scorer,
		enricher:    opts.Enricher,
		notifier:    opts.Notifier,
		hooks:       opts.Hooks,
		concurrency: concurrency,
		now:         now,
		logger:      logger,
	}
}

// candidate is an unseen article on its way through scoring.
type candidate struct {
	key      string
	article  Article
	decision Decision
	fullText string
}

// run carries the mutable state of one Run call.
type run struct {
	report *RunReport
	state  RunState
	span   trace.Span
	logger log.Logger
}

func (r *run) enter(ctx context.Context, s RunState) {
	r.state = s
	r.report.State = s
	r.span.AddEvent("state", trace.WithAttributes(attribute.String("digest.state", string(s))))
	r.logger.Info(ctx, "run state", "state", s)
}

// Run executes one pipeline run. The returned report is never nil; err is
// non-nil exactly when the run ended in StateFailed.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	report := &RunReport{
		ID:        ulid.Make().String(),
		State:     StateIdle,
		StartedAt: c.now(),
		DryRun:    opts.DryRun,
		Verdicts:  map[Verdict]int{},
	}

	ctx, span := tracer.Start(ctx, "digest.Run", trace.WithAttributes(
		attribute.String("digest.run_id", report.ID),
		attribute.Bool("digest.dry_run", opts.DryRun),
	))
	defer span.End()

	r := &run{
		report: report,
		state:  StateIdle,
		span:   span,
		logger: c.logger.With("run_id", report.ID),
	}

	unlock, err := c.backing.Lock(ctx)
	if err != nil {
		// Not recorded: without the lock we must not write run history.
		return c.fail(ctx, r, fmt.Errorf("acquire lock: %w", err), false)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error(ctx, err, "failed to release store lock")
		}
	}()

	wm, err := c.watermarks.Read(ctx)
	if err != nil {
		return c.fail(ctx, r, err, true)
	}
	report.WatermarkBefore = wm
	report.WatermarkAfter = wm

	since := wm
	if opts.Since != nil {
		since = *opts.Since
	}

	r.enter(ctx, StateFetching)
	msgs, err := c.source.FetchSince(ctx, since)
	if err != nil {
		return c.fail(ctx, r, fmt.Errorf("fetch since %s: %w", since, err), true)
	}
	report.Counts.Messages = len(msgs)

	fetchEnd := Absent
	for _, m := range msgs {
		if at := At(m.Date); !m.Date.IsZero() && at.After(fetchEnd) {
			fetchEnd = at
		}
	}

	r.enter(ctx, StateNormalizing)
	pending, err := c.collect(ctx, r, msgs)
	if err != nil {
		return c.fail(ctx, r, err, true)
	}

	r.enter(ctx, StateScoring)
	if err := c.scoreAll(ctx, r, pending, opts.Rules); err != nil {
		return c.fail(ctx, r, err, true)
	}

	r.enter(ctx, StatePersisting)
	persisted, err := c.persist(ctx, r, pending)
	if err != nil {
		return c.fail(ctx, r, err, true)
	}

	r.enter(ctx, StateAdvancing)
	if fetchEnd.After(wm) {
		if err := c.watermarks.Write(ctx, fetchEnd.At); err != nil {
			return c.fail(ctx, r, err, true)
		}
		report.WatermarkAfter = fetchEnd
	}

	report.State = StateDone
	report.FinishedAt = c.now()
	c.finish(ctx, r, true)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, report, persisted); err != nil {
			r.logger.Error(ctx, err, "run notification failed")
		}
	}

	return report, nil
}

// collect extracts, normalizes and dedups every article in msgs.
func (c *Coordinator) collect(ctx context.Context, r *run, msgs []RawMessage) ([]*candidate, error) {
	counts := &r.report.Counts
	retrievedAt := c.now()
	seen := make(map[string]bool)
	var pending []*candidate

	for _, m := range msgs {
		raws, err := c.extractor.Extract(m)
		if err != nil {
			return nil, fmt.Errorf("extract message %s: %w", m.ID, err)
		}

		for _, raw := range raws {
			counts.Fetched++

			a, err := Normalize(raw, retrievedAt)
			if err != nil {
				counts.Malformed++
				r.logger.Warn(ctx, "skipping malformed article", "email_id", m.ID, "error", err)
				continue
			}
			a.EmailID = m.ID
			a.EmailDate = m.Date

			key := IdentityKey(a.Title)
			if seen[key] {
				counts.SkippedDuplicate++
				continue
			}
			seen[key] = true

			ok, err := c.backing.Contains(ctx, key)
			if err != nil {
				return nil, &StoreError{Op: "contains", Err: err}
			}
			if ok {
				counts.SkippedDuplicate++
				continue
			}

			pending = append(pending, &candidate{key: key, article: a})
		}
	}

	r.logger.Info(ctx, "articles collected",
		"messages", len(msgs),
		"fetched", counts.Fetched,
		"malformed", counts.Malformed,
		"skipped_duplicate", counts.SkippedDuplicate,
		"unseen", len(pending),
	)
	return pending, nil
}

// scoreAll scores and optionally enriches every candidate. Backend calls may
// overlap up to the configured concurrency; results stay in batch order.
func (c *Coordinator) scoreAll(ctx context.Context, r *run, pending []*candidate, rules RuleSet) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, cand := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cand.decision = c.scorer.Score(gctx, cand.article, rules)
			if c.enricher != nil && cand.decision.Verdict != VerdictLow {
				text, err := c.enricher.FullText(gctx, cand.article.Link, cand.article.Title)
				if err != nil {
					r.logger.Warn(gctx, "enrichment failed", "link", cand.article.Link, "error", err)
				}
				cand.fullText = text
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scoring interrupted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scoring interrupted: %w", err)
	}

	for _, cand := range pending {
		r.report.Verdicts[cand.decision.Verdict]++
	}
	r.report.Counts.Scored = len(pending)
	return nil
}

// persist writes every scored candidate. A failing Put only affects its own
// article; any failure other than a duplicate key fails the run after the
// remaining articles were attempted.
func (c *Coordinator) persist(ctx context.Context, r *run, pending []*candidate) ([]*ScoredArticle, error) {
	counts := &r.report.Counts
	var (
		persisted []*ScoredArticle
		storeErrs []error
	)

	for _, cand := range pending {
		rec := &ScoredArticle{
			Article:  cand.article,
			Key:      cand.key,
			Verdict:  cand.decision.Verdict,
			Reason:   cand.decision.Reason,
			Source:   cand.decision.Source,
			ScoredAt: c.now(),
			FullText: cand.fullText,
			RunID:    r.report.ID,
		}

		if err := c.backing.Put(ctx, cand.key, rec); err != nil {
			counts.Failed++
			if IsDuplicateKey(err) {
				r.logger.Warn(ctx, "article already persisted", "identity_key", cand.key, "title", rec.Title)
				continue
			}
			r.logger.Error(ctx, err, "failed to persist article", "identity_key", cand.key, "title", rec.Title)
			storeErrs = append(storeErrs, err)
			continue
		}
		counts.Persisted++
		persisted = append(persisted, rec)
	}

	if len(storeErrs) > 0 {
		return persisted, &StoreError{Op: "put", Err: errors.Join(storeErrs...)}
	}
	return persisted, nil
}

// fail moves the run to StateFailed, leaving the watermark untouched.
func (c *Coordinator) fail(ctx context.Context, r *run, err error, record bool) (*RunReport, error) {
	report := r.report
	report.FailedIn = r.state
	report.State = StateFailed
	report.Error = truncate(err.Error(), maxErrorLen)
	report.WatermarkAfter = report.WatermarkBefore
	report.FinishedAt = c.now()

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.logger.Error(ctx, err, "run failed", "failed_in", r.state, "persisted", report.Counts.Persisted)

	c.finish(ctx, r, record)
	return report, err
}

func (c *Coordinator) finish(ctx context.Context, r *run, record bool) {
	report := r.report
	counts := report.Counts

	r.span.SetAttributes(
		attribute.String("digest.state", string(report.State)),
		attribute.Int("digest.fetched", counts.Fetched),
		attribute.Int("digest.skipped_duplicate", counts.SkippedDuplicate),
		attribute.Int("digest.scored", counts.Scored),
		attribute.Int("digest.persisted", counts.Persisted),
		attribute.Int("digest.failed", counts.Failed),
	)

	if record {
		if rec, ok := c.backing.(RunRecorder); ok {
			if err := rec.RecordRun(context.WithoutCancel(ctx), report); err != nil {
				r.logger.Error(ctx, err, "failed to record run")
			}
		}
	}

	if c.hooks.OnRunComplete != nil {
		c.hooks.OnRunComplete(report)
	}

	r.logger.Info(ctx, "run finished",
		"state", report.State,
		"duration", report.Duration(),
		"messages", counts.Messages,
		"fetched", counts.Fetched,
		"malformed", counts.Malformed,
		"skipped_duplicate", counts.SkippedDuplicate,
		"scored", counts.Scored,
		"persisted", counts.Persisted,
		"failed", counts.Failed,
		"watermark_before", report.WatermarkBefore.String(),
		"watermark_after", report.WatermarkAfter.String(),
	)
}

// truncate caps s at limit bytes, cutting on a rune boundary so the result
// stays valid UTF-8.
func truncate(s string, limit int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
