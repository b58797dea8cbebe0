// Package pgstore provides a PostgreSQL implementation of digest.Backing.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

var tracer = otel.Tracer("github.com/linnemanlabs/scholardigest/internal/digest/pgstore")

//go:embed schema.sql
var schema string

// watermarkName is the watermarks row used by the Scholar alert pipeline.
const watermarkName = "scholar_alerts"

// lockName is hashed into the advisory lock key.
const lockName = "scholardigest.pipeline"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store persists scored articles, the watermark and run history in
// PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Contains reports whether an article with key exists.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Contains", "SELECT")
	defer span.End()

	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE identity_key = $1)`, key,
	).Scan(&ok)
	if err != nil {
		return false, fail(span, fmt.Errorf("contains: %w", err))
	}
	return ok, nil
}

// Put inserts rec. An existing row for key is left untouched and a
// *digest.DuplicateKeyError is returned.
func (s *Store) Put(ctx context.Context, key string, rec *digest.ScoredArticle) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO articles (
			identity_key, title, link, summary, email_id, email_date,
			score, reason, source, full_text_summary, retrieved_at, scored_at, run_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (identity_key) DO NOTHING`,
		key, rec.Title, rec.Link, rec.Summary, rec.EmailID, nullTime(rec.EmailDate),
		string(rec.Verdict), rec.Reason, string(rec.Source), rec.FullText,
		rec.RetrievedAt, rec.ScoredAt, rec.RunID,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert article: %w", err))
	}
	if tag.RowsAffected() == 0 {
		span.SetAttributes(attribute.Bool("digest.duplicate", true))
		return &digest.DuplicateKeyError{Key: key}
	}
	return nil
}

// All returns every article in insertion order.
func (s *Store) All(ctx context.Context) ([]*digest.ScoredArticle, error) {
	return s.List(ctx, digest.Filter{})
}

const articleColumns = `identity_key, title, link, summary, email_id, email_date,
	score, reason, source, full_text_summary, retrieved_at, scored_at, run_id`

// List returns articles matching f in insertion order.
func (s *Store) List(ctx context.Context, f digest.Filter) ([]*digest.ScoredArticle, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query, args, err := listQuery(f)
	if err != nil {
		return nil, fail(span, err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query articles: %w", err))
	}
	defer rows.Close()

	var out []*digest.ScoredArticle
	for rows.Next() {
		var (
			a         digest.ScoredArticle
			emailDate *time.Time
			score     string
			source    string
		)
		if err := rows.Scan(
			&a.Key, &a.Title, &a.Link, &a.Summary, &a.EmailID, &emailDate,
			&score, &a.Reason, &source, &a.FullText, &a.RetrievedAt, &a.ScoredAt, &a.RunID,
		); err != nil {
			return nil, fail(span, fmt.Errorf("scan article: %w", err))
		}
		if emailDate != nil {
			a.EmailDate = *emailDate
		}
		a.Verdict = digest.ParseVerdict(score)
		a.Source = digest.DecisionSource(source)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate articles: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func listQuery(f digest.Filter) (string, []any, error) {
	b := psql.Select(articleColumns).From("articles").OrderBy("seq")
	if len(f.Verdicts) > 0 {
		scores := make([]string, len(f.Verdicts))
		for i, v := range f.Verdicts {
			scores[i] = string(v)
		}
		b = b.Where(sq.Eq{"score": scores})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"email_date": f.Since})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build article query: %w", err)
	}
	return query, args, nil
}

// ReadWatermark returns the stored watermark value.
func (s *Store) ReadWatermark(ctx context.Context) (string, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ReadWatermark", "SELECT")
	defer span.End()

	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM watermarks WHERE name = $1`, watermarkName).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fail(span, fmt.Errorf("read watermark: %w", err))
	}
	return v, true, nil
}

// WriteWatermark upserts the watermark value.
func (s *Store) WriteWatermark(ctx context.Context, v string) error {
	ctx, span := startSpan(ctx, "pgstore.WriteWatermark", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO watermarks (name, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		watermarkName, v,
	)
	if err != nil {
		return fail(span, fmt.Errorf("write watermark: %w", err))
	}
	return nil
}

// Lock takes the session-level advisory writer lock on a dedicated pooled
// connection without blocking. The lock is released with that session.
func (s *Store) Lock(ctx context.Context) (func(context.Context) error, error) {
	return s.tryLock(ctx, writerLock)
}

// RLock takes the shared side of the advisory lock, so readers never see a
// run's writes in progress.
func (s *Store) RLock(ctx context.Context) (func(context.Context) error, error) {
	return s.tryLock(ctx, readerLock)
}

type lockKind struct {
	span, lock, unlock string
}

var (
	writerLock = lockKind{
		span:   "pgstore.Lock",
		lock:   `SELECT pg_try_advisory_lock(hashtext($1))`,
		unlock: `SELECT pg_advisory_unlock(hashtext($1))`,
	}
	readerLock = lockKind{
		span:   "pgstore.RLock",
		lock:   `SELECT pg_try_advisory_lock_shared(hashtext($1))`,
		unlock: `SELECT pg_advisory_unlock_shared(hashtext($1))`,
	}
)

func (s *Store) tryLock(ctx context.Context, k lockKind) (func(context.Context) error, error) {
	ctx, span := startSpan(ctx, k.span, "SELECT")
	defer span.End()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("acquire connection: %w", err))
	}

	var ok bool
	if err := conn.QueryRow(ctx, k.lock, lockName).Scan(&ok); err != nil {
		conn.Release()
		return nil, fail(span, fmt.Errorf("try advisory lock: %w", err))
	}
	if !ok {
		conn.Release()
		span.SetAttributes(attribute.Bool("digest.locked", true))
		return nil, digest.ErrLocked
	}

	released := false
	return func(ctx context.Context) error {
		if released {
			return nil
		}
		released = true
		defer conn.Release()
		if _, err := conn.Exec(ctx, k.unlock, lockName); err != nil {
			// Closing the session drops the lock server side.
			_ = conn.Conn().Close(ctx)
			return fmt.Errorf("advisory unlock: %w", err)
		}
		return nil
	}, nil
}

// RecordRun upserts r into digest_runs.
func (s *Store) RecordRun(ctx context.Context, r *digest.RunReport) error {
	ctx, span := startSpan(ctx, "pgstore.RecordRun", "UPSERT")
	defer span.End()

	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return fail(span, fmt.Errorf("marshal counts: %w", err))
	}
	verdicts, err := json.Marshal(r.Verdicts)
	if err != nil {
		return fail(span, fmt.Errorf("marshal verdicts: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO digest_runs (
			id, state, failed_in, error, counts, verdicts,
			watermark_before, watermark_after, started_at, finished_at, dry_run
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			state            = EXCLUDED.state,
			failed_in        = EXCLUDED.failed_in,
			error            = EXCLUDED.error,
			counts           = EXCLUDED.counts,
			verdicts         = EXCLUDED.verdicts,
			watermark_after  = EXCLUDED.watermark_after,
			finished_at      = EXCLUDED.finished_at`,
		r.ID, string(r.State), string(r.FailedIn), r.Error, counts, verdicts,
		watermarkTime(r.WatermarkBefore), watermarkTime(r.WatermarkAfter),
		r.StartedAt, r.FinishedAt, r.DryRun,
	)
	if err != nil {
		return fail(span, fmt.Errorf("record run: %w", err))
	}
	return nil
}

// LatestRun returns the most recently finished run.
func (s *Store) LatestRun(ctx context.Context) (*digest.RunReport, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestRun", "SELECT")
	defer span.End()

	var (
		r        digest.RunReport
		state    string
		failedIn string
		counts   []byte
		verdicts []byte
		wmBefore *time.Time
		wmAfter  *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, state, failed_in, error, counts, verdicts,
			watermark_before, watermark_after, started_at, finished_at, dry_run
		 FROM digest_runs ORDER BY finished_at DESC LIMIT 1`,
	).Scan(&r.ID, &state, &failedIn, &r.Error, &counts, &verdicts,
		&wmBefore, &wmAfter, &r.StartedAt, &r.FinishedAt, &r.DryRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("latest run: %w", err))
	}

	r.State = digest.RunState(state)
	r.FailedIn = digest.RunState(failedIn)
	if err := json.Unmarshal(counts, &r.Counts); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal counts: %w", err))
	}
	if err := json.Unmarshal(verdicts, &r.Verdicts); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal verdicts: %w", err))
	}
	if wmBefore != nil {
		r.WatermarkBefore = digest.At(*wmBefore)
	}
	if wmAfter != nil {
		r.WatermarkAfter = digest.At(*wmAfter)
	}
	return &r, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func watermarkTime(w digest.Watermark) *time.Time {
	if !w.Valid {
		return nil
	}
	return &w.At
}
