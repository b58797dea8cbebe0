package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/digest/pgstore"
	"github.com/linnemanlabs/scholardigest/internal/postgres"
)

var (
	_ digest.Backing     = (*pgstore.Store)(nil)
	_ digest.RunRecorder = (*pgstore.Store)(nil)
	_ digest.Lister      = (*pgstore.Store)(nil)
	_ digest.ReadLocker  = (*pgstore.Store)(nil)
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SCHOLARDIGEST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCHOLARDIGEST_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func uniqueArticle(v digest.Verdict) *digest.ScoredArticle {
	title := "integration " + ulid.Make().String()
	now := time.Now().Truncate(time.Microsecond).UTC()
	return &digest.ScoredArticle{
		Article: digest.Article{
			Title:       title,
			Link:        "https://example.com/" + title,
			Summary:     "summary",
			RetrievedAt: now,
			EmailID:     "<m@example.com>",
			EmailDate:   now,
		},
		Key:      digest.IdentityKey(title),
		Verdict:  v,
		Reason:   "reason",
		Source:   digest.SourceBackend,
		ScoredAt: now,
		RunID:    "run-1",
	}
}

func TestPutContainsAndDuplicate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := uniqueArticle(digest.VerdictHigh)

	if ok, err := s.Contains(ctx, a.Key); err != nil || ok {
		t.Fatalf("Contains before Put = %v, %v", ok, err)
	}
	if err := s.Put(ctx, a.Key, a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Contains(ctx, a.Key); err != nil || !ok {
		t.Fatalf("Contains after Put = %v, %v", ok, err)
	}

	again := *a
	again.Verdict = digest.VerdictLow
	if err := s.Put(ctx, a.Key, &again); !digest.IsDuplicateKey(err) {
		t.Fatalf("second Put err = %v, want duplicate", err)
	}

	got, err := s.List(ctx, digest.Filter{Since: a.EmailDate})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found *digest.ScoredArticle
	for _, r := range got {
		if r.Key == a.Key {
			found = r
		}
	}
	if found == nil {
		t.Fatal("record not listed")
	}
	assertEqual(t, "Title", a.Title, found.Title)
	assertEqual(t, "Verdict", a.Verdict, found.Verdict)
	assertEqual(t, "Source", a.Source, found.Source)
	assertEqual(t, "RunID", a.RunID, found.RunID)
	if !found.EmailDate.Equal(a.EmailDate) {
		t.Errorf("EmailDate = %v, want %v", found.EmailDate, a.EmailDate)
	}
}

func TestListFiltersByVerdict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	high := uniqueArticle(digest.VerdictHigh)
	low := uniqueArticle(digest.VerdictLow)
	_ = s.Put(ctx, high.Key, high)
	_ = s.Put(ctx, low.Key, low)

	got, err := s.List(ctx, digest.Filter{Verdicts: []digest.Verdict{digest.VerdictLow}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range got {
		if r.Verdict != digest.VerdictLow {
			t.Errorf("List returned %s record %q", r.Verdict, r.Title)
		}
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.WriteWatermark(ctx, "1747728000"); err != nil {
		t.Fatalf("WriteWatermark: %v", err)
	}
	v, ok, err := s.ReadWatermark(ctx)
	if err != nil || !ok {
		t.Fatalf("ReadWatermark = %v, %v", ok, err)
	}
	assertEqual(t, "watermark", "1747728000", v)
}

func TestAdvisoryLock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	unlock, err := s.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := s.Lock(ctx); !errors.Is(err, digest.ErrLocked) {
		t.Fatalf("second Lock err = %v, want ErrLocked", err)
	}
	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	unlock2, err := s.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	_ = unlock2(ctx)
}

func TestAdvisoryReadLock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r1, err := s.RLock(ctx)
	if err != nil {
		t.Fatalf("RLock: %v", err)
	}
	r2, err := s.RLock(ctx)
	if err != nil {
		t.Fatalf("second RLock: %v", err)
	}
	if _, err := s.Lock(ctx); !errors.Is(err, digest.ErrLocked) {
		t.Fatalf("Lock under readers err = %v, want ErrLocked", err)
	}
	_ = r1(ctx)
	_ = r2(ctx)

	unlock, err := s.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock after readers left: %v", err)
	}
	if _, err := s.RLock(ctx); !errors.Is(err, digest.ErrLocked) {
		t.Fatalf("RLock under writer err = %v, want ErrLocked", err)
	}
	_ = unlock(ctx)
}

func TestRunHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	r := &digest.RunReport{
		ID:              ulid.Make().String(),
		State:           digest.StateFailed,
		FailedIn:        digest.StatePersisting,
		Error:           "store put: disk full",
		Counts:          digest.RunCounts{Fetched: 4, Persisted: 3, Failed: 1},
		Verdicts:        map[digest.Verdict]int{digest.VerdictHigh: 2},
		WatermarkBefore: digest.At(now.Add(-time.Hour)),
		StartedAt:       now.Add(time.Hour),
		FinishedAt:      now.Add(2 * time.Hour),
	}
	if err := s.RecordRun(ctx, r); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, ok, err := s.LatestRun(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestRun = %v, %v", ok, err)
	}
	assertEqual(t, "ID", r.ID, got.ID)
	assertEqual(t, "State", r.State, got.State)
	assertEqual(t, "FailedIn", r.FailedIn, got.FailedIn)
	assertEqual(t, "Counts", r.Counts, got.Counts)
	assertEqual(t, "High", 2, got.Verdicts[digest.VerdictHigh])
	if !got.WatermarkBefore.Valid || !got.WatermarkBefore.At.Equal(r.WatermarkBefore.At) {
		t.Errorf("WatermarkBefore = %v", got.WatermarkBefore)
	}
	if got.WatermarkAfter.Valid {
		t.Errorf("WatermarkAfter = %v, want absent", got.WatermarkAfter)
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}
