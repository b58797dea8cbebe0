// Package memstore provides an in-memory implementation of digest.Backing.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// Store holds scored articles, the watermark and run history in memory.
// Suitable for dev/testing and dry runs.
type Store struct {
	mu        sync.Mutex
	records   map[string]*digest.ScoredArticle // identity key -> record
	order     []string                         // identity keys in insertion order
	watermark string
	hasMark   bool
	runs      []*digest.RunReport
	locked    bool
	readers   int
}

// New initializes an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*digest.ScoredArticle)}
}

// Contains reports whether key has been persisted.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok, nil
}

// Put stores a copy of rec. The first record for a key wins.
func (s *Store) Put(_ context.Context, key string, rec *digest.ScoredArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return &digest.DuplicateKeyError{Key: key}
	}
	cp := *rec
	s.records[key] = &cp
	s.order = append(s.order, key)
	return nil
}

// All returns copies of every record in insertion order.
func (s *Store) All(_ context.Context) ([]*digest.ScoredArticle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*digest.ScoredArticle, 0, len(s.order))
	for _, k := range s.order {
		cp := *s.records[k]
		out = append(out, &cp)
	}
	return out, nil
}

// ReadWatermark returns the raw watermark value, if one was written.
func (s *Store) ReadWatermark(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark, s.hasMark, nil
}

// WriteWatermark replaces the watermark value.
func (s *Store) WriteWatermark(_ context.Context, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark, s.hasMark = v, true
	return nil
}

// Lock takes the writer lock without blocking. It fails while readers hold
// the shared lock.
func (s *Store) Lock(_ context.Context) (func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked || s.readers > 0 {
		return nil, digest.ErrLocked
	}
	s.locked = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			s.mu.Lock()
			s.locked = false
			s.mu.Unlock()
		})
		return nil
	}, nil
}

// RLock takes a shared read lock without blocking.
func (s *Store) RLock(_ context.Context) (func(context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, digest.ErrLocked
	}
	s.readers++

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			s.mu.Lock()
			s.readers--
			s.mu.Unlock()
		})
		return nil
	}, nil
}

// RecordRun appends a copy of r to the run history.
func (s *Store) RecordRun(_ context.Context, r *digest.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, cloneRun(r))
	return nil
}

// LatestRun returns the most recently recorded run.
func (s *Store) LatestRun(_ context.Context) (*digest.RunReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, false, nil
	}
	return cloneRun(s.runs[len(s.runs)-1]), true, nil
}

func cloneRun(r *digest.RunReport) *digest.RunReport {
	cp := *r
	cp.Verdicts = make(map[digest.Verdict]int, len(r.Verdicts))
	for k, v := range r.Verdicts {
		cp.Verdicts[k] = v
	}
	return &cp
}
