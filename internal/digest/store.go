package digest

import (
	"context"
	"slices"
	"time"
)

// Store is the durable dedup record keyed by identity key.
type Store interface {
	Contains(ctx context.Context, key string) (bool, error)
	// Put records rec under key. A second Put for the same key returns a
	// *DuplicateKeyError and leaves the first record untouched.
	Put(ctx context.Context, key string, rec *ScoredArticle) error
	// All returns every record in insertion order.
	All(ctx context.Context) ([]*ScoredArticle, error)
}

// Locker serialises writers. Lock returns ErrLocked (possibly wrapped) when
// another holder has the lock; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// ReadLocker is implemented by stores whose readers must not overlap a
// writer. RLock takes a shared lock without blocking: it returns ErrLocked
// while a run holds the writer lock, and a held read lock makes Lock return
// ErrLocked.
type ReadLocker interface {
	RLock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// RunRecorder keeps run history. Optional; stores that implement it get
// every RunReport recorded at the end of a run.
type RunRecorder interface {
	RecordRun(ctx context.Context, r *RunReport) error
	LatestRun(ctx context.Context) (*RunReport, bool, error)
}

// Backing is what the Coordinator needs from a storage implementation.
type Backing interface {
	Store
	WatermarkStore
	Locker
}

// Filter narrows an article listing. The zero value matches everything.
type Filter struct {
	Verdicts []Verdict
	// Since keeps articles whose email date is at or after it.
	Since time.Time
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Match reports whether a satisfies f, ignoring Limit.
func (f Filter) Match(a *ScoredArticle) bool {
	if len(f.Verdicts) > 0 && !slices.Contains(f.Verdicts, a.Verdict) {
		return false
	}
	if !f.Since.IsZero() && a.EmailDate.Before(f.Since) {
		return false
	}
	return true
}

// Lister is implemented by stores that filter on their side.
type Lister interface {
	List(ctx context.Context, f Filter) ([]*ScoredArticle, error)
}

// ListArticles returns the records of s matching f in insertion order, using
// s's own List when it has one. When s is a ReadLocker the read happens under
// its shared lock, so a concurrent run surfaces as ErrLocked.
func ListArticles(ctx context.Context, s Store, f Filter) (_ []*ScoredArticle, err error) {
	if rl, ok := s.(ReadLocker); ok {
		unlock, lockErr := rl.RLock(ctx)
		if lockErr != nil {
			return nil, lockErr
		}
		defer func() {
			if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
				err = uerr
			}
		}()
	}
	if l, ok := s.(Lister); ok {
		return l.List(ctx, f)
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ScoredArticle, 0, len(all))
	for _, a := range all {
		if !f.Match(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
