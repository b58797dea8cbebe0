package digestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/digest/memstore"
	"github.com/linnemanlabs/scholardigest/internal/report"
)

const testToken = "s3cret"

var (
	day1 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	day2 = day1.Add(24 * time.Hour)
	now  = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
)

// fakeRunner records triggers and returns a canned outcome.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []RunRequest
	rep  *digest.RunReport
	err  error
}

func (f *fakeRunner) run(ctx context.Context, req RunRequest) (*digest.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.rep, f.err
}

func (f *fakeRunner) calls() []RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunRequest(nil), f.reqs...)
}

func put(t *testing.T, s *memstore.Store, title string, v digest.Verdict, emailDate time.Time) {
	t.Helper()
	key := digest.IdentityKey(title)
	rec := &digest.ScoredArticle{
		Article: digest.Article{Title: title, Link: "https://example.org/" + title, EmailDate: emailDate},
		Key:     key,
		Verdict: v,
		Reason:  "because",
	}
	if err := s.Put(context.Background(), key, rec); err != nil {
		t.Fatalf("put %s: %v", title, err)
	}
}

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	put(t, s, "alpha", digest.VerdictHigh, day1)
	put(t, s, "beta", digest.VerdictLow, day1)
	put(t, s, "gamma", digest.VerdictMedium, day2)
	put(t, s, "delta", digest.VerdictHigh, day2)
	return s
}

func newTestRouter(t *testing.T, s *memstore.Store, runner *fakeRunner) chi.Router {
	t.Helper()
	api := New(log.Nop(), s, runner.run, Options{
		Runs:     s,
		Report:   report.Options{Title: "Test Digest"},
		APIToken: testToken,
		Now:      func() time.Time { return now },
	})
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, memstore.New(), (&fakeRunner{}).run, Options{})
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
	if api.now == nil {
		t.Fatal("New left clock nil")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store digest.Store
		run   RunFunc
	}{
		{"nil store", nil, (&fakeRunner{}).run},
		{"nil run func", memstore.New(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatal("New did not panic")
				}
			}()
			New(nil, tt.store, tt.run, Options{})
		})
	}
}

// Articles

func TestListArticles(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, seeded(t), &fakeRunner{})

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all in insertion order", "", []string{"alpha", "beta", "gamma", "delta"}},
		{"single verdict", "?verdict=High", []string{"alpha", "delta"}},
		{"repeated verdict", "?verdict=High&verdict=Medium", []string{"alpha", "gamma", "delta"}},
		{"since", "?since=" + fmt.Sprint(day2.Unix()), []string{"gamma", "delta"}},
		{"limit", "?limit=2", []string{"alpha", "beta"}},
		{"no match", "?verdict=Medium&since=2027-01-01", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(r, http.MethodGet, "/api/v1/articles"+tt.query, "", false)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			var body struct {
				Articles []digest.ScoredArticle `json:"articles"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Articles == nil {
				t.Fatal("articles should encode as an array, not null")
			}
			got := make([]string, len(body.Articles))
			for i, a := range body.Articles {
				got[i] = a.Title
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("titles = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListArticles_BadQuery(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, seeded(t), &fakeRunner{})
	for _, q := range []string{"?verdict=high", "?since=yesterday", "?limit=-1", "?limit=ten"} {
		if rec := do(r, http.MethodGet, "/api/v1/articles"+q, "", false); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", q, rec.Code)
		}
	}
}

// Report

func TestReport(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, seeded(t), &fakeRunner{})

	tests := []struct {
		name        string
		query       string
		wantType    string
		wantContain string
	}{
		{"default markdown", "", "text/markdown; charset=utf-8", "# Test Digest - 2026-03-04"},
		{"explicit markdown", "?format=md", "text/markdown; charset=utf-8", "## High Relevance"},
		{"html", "?format=html", "text/html; charset=utf-8", "<h2>High Relevance</h2>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(r, http.MethodGet, "/api/v1/report"+tt.query, "", false)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
			}
			if !strings.Contains(rec.Body.String(), tt.wantContain) {
				t.Errorf("body missing %q:\n%s", tt.wantContain, rec.Body)
			}
			if strings.Contains(rec.Body.String(), "beta") {
				t.Error("Low article should not be reported by default")
			}
		})
	}

	if rec := do(r, http.MethodGet, "/api/v1/report?format=pdf", "", false); rec.Code != http.StatusBadRequest {
		t.Errorf("format=pdf status = %d, want 400", rec.Code)
	}
}

func TestReads_WaitForRunningPipeline(t *testing.T) {
	t.Parallel()

	s := seeded(t)
	r := newTestRouter(t, s, &fakeRunner{})

	unlock, err := s.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	for _, path := range []string{"/api/v1/articles", "/api/v1/report"} {
		rec := do(r, http.MethodGet, path, "", false)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s during run = %d, want 503", path, rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "5" {
			t.Errorf("GET %s Retry-After = %q, want 5", path, got)
		}
	}
	_ = unlock(context.Background())

	if rec := do(r, http.MethodGet, "/api/v1/articles", "", false); rec.Code != http.StatusOK {
		t.Errorf("GET after run = %d, want 200", rec.Code)
	}
}

// Runs

func TestLatestRun(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	r := newTestRouter(t, s, &fakeRunner{})

	if rec := do(r, http.MethodGet, "/api/v1/runs/latest", "", false); rec.Code != http.StatusNotFound {
		t.Fatalf("empty history status = %d, want 404", rec.Code)
	}

	for _, id := range []string{"run-1", "run-2"} {
		if err := s.RecordRun(context.Background(), &digest.RunReport{ID: id, State: digest.StateDone}); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(r, http.MethodGet, "/api/v1/runs/latest", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got digest.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "run-2" || got.State != digest.StateDone {
		t.Errorf("latest = %+v, want run-2 done", got)
	}
}

func TestLatestRun_NoRecorder(t *testing.T) {
	t.Parallel()

	api := New(nil, memstore.New(), (&fakeRunner{}).run, Options{})
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	if rec := do(r, http.MethodGet, "/api/v1/runs/latest", "", false); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{rep: &digest.RunReport{ID: "run-9", State: digest.StateDone}}
	r := newTestRouter(t, memstore.New(), runner)

	rec := do(r, http.MethodPost, "/api/v1/runs", `{"dry_run":true,"since":"2026-01-01"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var got digest.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "run-9" {
		t.Errorf("report id = %q", got.ID)
	}

	calls := runner.calls()
	if len(calls) != 1 || !calls[0].DryRun || calls[0].Since != "2026-01-01" {
		t.Errorf("run requests = %+v", calls)
	}
}

func TestTriggerRun_EmptyBody(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{rep: &digest.RunReport{ID: "run-1", State: digest.StateDone}}
	r := newTestRouter(t, memstore.New(), runner)

	if rec := do(r, http.MethodPost, "/api/v1/runs", "", true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if calls := runner.calls(); len(calls) != 1 || calls[0] != (RunRequest{}) {
		t.Errorf("run requests = %+v", calls)
	}
}

func TestTriggerRun_Outcomes(t *testing.T) {
	t.Parallel()

	failed := &digest.RunReport{ID: "run-f", State: digest.StateFailed, Error: "store put: disk full"}

	tests := []struct {
		name       string
		runner     *fakeRunner
		body       string
		auth       bool
		wantStatus int
		wantCalls  int
	}{
		{"unauthorized", &fakeRunner{}, "", false, http.StatusUnauthorized, 0},
		{"bad json", &fakeRunner{}, "{bad", true, http.StatusBadRequest, 0},
		{"bad since", &fakeRunner{}, `{"since":"soon"}`, true, http.StatusBadRequest, 0},
		{"locked", &fakeRunner{rep: failed, err: fmt.Errorf("acquire lock: %w", digest.ErrLocked)}, "", true, http.StatusConflict, 1},
		{"failed run", &fakeRunner{rep: failed, err: errors.New("disk full")}, "", true, http.StatusInternalServerError, 1},
		{"no report", &fakeRunner{err: errors.New("rules file missing")}, "", true, http.StatusInternalServerError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestRouter(t, memstore.New(), tt.runner)
			rec := do(r, http.MethodPost, "/api/v1/runs", tt.body, tt.auth)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := len(tt.runner.calls()); got != tt.wantCalls {
				t.Errorf("runs = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestTriggerRun_DisabledWithoutToken(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	api := New(nil, memstore.New(), runner.run, Options{})
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	if rec := do(r, http.MethodPost, "/api/v1/runs", "", true); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if len(runner.calls()) != 0 {
		t.Error("run triggered without a configured token")
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memstore.New(), &fakeRunner{})

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodPost, "/api/v1/articles", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/report", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/runs", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/runs/latest", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/v2/articles", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, tt.method, tt.path, "", true); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}
