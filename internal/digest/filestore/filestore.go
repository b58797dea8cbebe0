// Package filestore implements digest.Backing on a local directory:
// an append-only articles.csv, a watermark file, a runs.jsonl history and
// a .lock file serialising writers across processes.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

const (
	articlesFile  = "articles.csv"
	watermarkFile = "watermark"
	runsFile      = "runs.jsonl"
	lockFile      = ".lock"
)

var header = []string{
	"hash", "title", "link", "summary", "email_id", "email_date",
	"score", "reason", "source", "full_text_summary",
	"retrieved_at", "scored_at", "run_id",
}

// Store is a directory-backed digest.Backing.
type Store struct {
	dir    string
	logger log.Logger

	mu   sync.Mutex
	keys map[string]struct{}
}

// Open prepares dir (creating it if needed) and indexes existing records.
func Open(dir string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{dir: dir, logger: logger}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// reindex rebuilds the key set from articles.csv.
func (s *Store) reindex() error {
	recs, err := s.readAll()
	if err != nil {
		return err
	}
	keys := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		keys[r.Key] = struct{}{}
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Contains reports whether key has a record.
func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

// Put appends rec as one CSV row and syncs the file.
func (s *Store) Put(ctx context.Context, key string, rec *digest.ScoredArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return &digest.DuplicateKeyError{Key: key}
	}

	f, err := os.OpenFile(s.path(articlesFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open articles: %w", err)
	}
	defer f.Close() //nolint:errcheck // close after sync; write errors are reported by Sync

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat articles: %w", err)
	}

	size, err := s.trimTornTail(ctx, f, info.Size())
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if size == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(toRow(key, rec)); err != nil {
		return fmt.Errorf("write article: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush article: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync articles: %w", err)
	}

	s.keys[key] = struct{}{}
	return nil
}

// trimTornTail cuts a partial row left by a crash mid-append back to the
// end of the last complete record and returns the resulting size. Complete
// records always end in a newline; a final record without one, or one the
// csv reader rejects, is torn. Quoted fields may contain newlines, so record
// boundaries come from the reader, not from scanning bytes.
func (s *Store) trimTornTail(ctx context.Context, f *os.File, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}

	r := csv.NewReader(io.NewSectionReader(f, 0, size))
	r.FieldsPerRecord = -1
	var prev, good int64
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("scan articles: %w", err)
		}
		prev, good = good, r.InputOffset()
	}

	if good == size {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return 0, fmt.Errorf("read articles tail: %w", err)
		}
		if last[0] == '\n' {
			return size, nil
		}
		good = prev
	}

	if err := f.Truncate(good); err != nil {
		return 0, fmt.Errorf("trim torn row: %w", err)
	}
	s.logger.Warn(ctx, "trimmed torn article row", "from_size", size, "to_size", good)
	return good, nil
}

// All reads every record from disk in insertion order.
func (s *Store) All(_ context.Context) ([]*digest.ScoredArticle, error) {
	return s.readAll()
}

func (s *Store) readAll() ([]*digest.ScoredArticle, error) {
	f, err := os.Open(s.path(articlesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open articles: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var (
		out  []*digest.ScoredArticle
		line int
	)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			// A crash mid-append leaves at most one torn trailing row.
			s.logger.Warn(context.Background(), "skipping unreadable article row", "line", line, "error", err)
			continue
		}
		if line == 1 && len(row) > 0 && row[0] == header[0] {
			continue
		}
		rec, err := fromRow(row)
		if err != nil {
			s.logger.Warn(context.Background(), "skipping invalid article row", "line", line, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(key string, r *digest.ScoredArticle) []string {
	return []string{
		key,
		r.Title,
		r.Link,
		r.Summary,
		r.EmailID,
		formatTime(r.EmailDate),
		string(r.Verdict),
		r.Reason,
		string(r.Source),
		r.FullText,
		formatTime(r.RetrievedAt),
		formatTime(r.ScoredAt),
		r.RunID,
	}
}

func fromRow(row []string) (*digest.ScoredArticle, error) {
	if len(row) != len(header) {
		return nil, fmt.Errorf("got %d fields, want %d", len(row), len(header))
	}
	if row[0] == "" {
		return nil, errors.New("missing identity key")
	}
	return &digest.ScoredArticle{
		Article: digest.Article{
			Title:       row[1],
			Link:        row[2],
			Summary:     row[3],
			EmailID:     row[4],
			EmailDate:   parseTime(row[5]),
			RetrievedAt: parseTime(row[10]),
		},
		Key:      row[0],
		Verdict:  digest.ParseVerdict(row[6]),
		Reason:   row[7],
		Source:   digest.DecisionSource(row[8]),
		FullText: row[9],
		ScoredAt: parseTime(row[11]),
		RunID:    row[12],
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ReadWatermark returns the watermark file contents.
func (s *Store) ReadWatermark(_ context.Context) (string, bool, error) {
	b, err := os.ReadFile(s.path(watermarkFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(b)), true, nil
}

// WriteWatermark replaces the watermark file atomically.
func (s *Store) WriteWatermark(_ context.Context, v string) error {
	return writeFileAtomic(s.path(watermarkFile), []byte(v+"\n"))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(name)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// Lock takes the directory's writer lock without blocking and refreshes the
// key index so records written by the previous holder are visible.
func (s *Store) Lock(_ context.Context) (func(context.Context) error, error) {
	release, err := acquire(s.path(lockFile), false)
	if err != nil {
		return nil, err
	}
	if err := s.reindex(); err != nil {
		_ = release()
		return nil, err
	}
	var once sync.Once
	return func(context.Context) error {
		var err error
		once.Do(func() { err = release() })
		return err
	}, nil
}

// RLock takes the shared side of the directory lock without blocking, so
// readers never see a run's writes in progress.
func (s *Store) RLock(_ context.Context) (func(context.Context) error, error) {
	release, err := acquire(s.path(lockFile), true)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func(context.Context) error {
		var err error
		once.Do(func() { err = release() })
		return err
	}, nil
}

// RecordRun appends r to runs.jsonl.
func (s *Store) RecordRun(_ context.Context, r *digest.RunReport) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	f, err := os.OpenFile(s.path(runsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open runs: %w", err)
	}
	defer f.Close() //nolint:errcheck // close after sync

	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return f.Sync()
}

// LatestRun returns the last readable entry of runs.jsonl.
func (s *Store) LatestRun(_ context.Context) (*digest.RunReport, bool, error) {
	b, err := os.ReadFile(s.path(runsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read runs: %w", err)
	}

	var latest *digest.RunReport
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var r digest.RunReport
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		latest = &r
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan runs: %w", err)
	}
	return latest, latest != nil, nil
}
