package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.payloads = append(c.payloads, got)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func doneReport() *digest.RunReport {
	return &digest.RunReport{
		ID:             "01JN123",
		State:          digest.StateDone,
		Counts:         digest.RunCounts{Messages: 2, Fetched: 6, Scored: 4, Persisted: 4},
		Verdicts:       map[digest.Verdict]int{digest.VerdictHigh: 2, digest.VerdictMedium: 1},
		WatermarkAfter: digest.At(time.Date(2026, 2, 26, 14, 0, 0, 0, time.UTC)),
		FinishedAt:     time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func article(title string, v digest.Verdict) *digest.ScoredArticle {
	return &digest.ScoredArticle{
		Article: digest.Article{Title: title, Link: "https://example.org/" + title},
		Verdict: v,
	}
}

func TestNotify_PostsHighArticles(t *testing.T) {
	t.Parallel()

	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	persisted := []*digest.ScoredArticle{
		article("a<b", digest.VerdictHigh),
		article("medium", digest.VerdictMedium),
		article("second", digest.VerdictHigh),
	}
	if err := n.Notify(context.Background(), doneReport(), persisted); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if c.count() != 1 {
		t.Fatalf("posts = %d, want 1", c.count())
	}

	blocks, ok := c.payloads[0]["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, counts, divider, titles, context
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "2 new High relevance articles") {
		t.Errorf("header = %q", header)
	}

	titles := blocks[3].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(titles, "<https://example.org/a<b|a&lt;b>") {
		t.Errorf("titles = %q, want escaped first title", titles)
	}
	if strings.Contains(titles, "medium") {
		t.Errorf("titles should only list High articles: %q", titles)
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JN123") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context = %q", ctxText)
	}
}

func TestNotify_CapsTitles(t *testing.T) {
	t.Parallel()

	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	var persisted []*digest.ScoredArticle
	for i := range 13 {
		persisted = append(persisted, article(fmt.Sprintf("paper-%02d", i), digest.VerdictHigh))
	}
	if err := New(srv.URL, nil).Notify(context.Background(), doneReport(), persisted); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := c.payloads[0]["blocks"].([]any)
	titles := blocks[3].(map[string]any)["text"].(map[string]any)["text"].(string)
	if got := strings.Count(titles, "• "); got != maxTitles {
		t.Errorf("listed titles = %d, want %d", got, maxTitles)
	}
	if !strings.Contains(titles, "_and 3 more_") {
		t.Errorf("titles = %q, want overflow note", titles)
	}
	if strings.Contains(titles, "paper-10") {
		t.Error("titles beyond the cap should not be listed")
	}
}

func TestNotify_Skips(t *testing.T) {
	t.Parallel()

	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	failed := doneReport()
	failed.State = digest.StateFailed
	high := []*digest.ScoredArticle{article("x", digest.VerdictHigh)}

	tests := []struct {
		name      string
		url       string
		report    *digest.RunReport
		persisted []*digest.ScoredArticle
	}{
		{"no webhook", "", doneReport(), high},
		{"failed run", srv.URL, failed, high},
		{"no high", srv.URL, doneReport(), []*digest.ScoredArticle{article("m", digest.VerdictMedium)}},
		{"nothing persisted", srv.URL, doneReport(), nil},
	}
	for _, tt := range tests {
		if err := New(tt.url, log.Nop()).Notify(context.Background(), tt.report, tt.persisted); err != nil {
			t.Errorf("%s: Notify: %v", tt.name, err)
		}
	}
	if c.count() != 0 {
		t.Errorf("posts = %d, want 0", c.count())
	}
}

func TestNotify_WebhookError(t *testing.T) {
	t.Parallel()

	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusForbidden))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).Notify(context.Background(), doneReport(),
		[]*digest.ScoredArticle{article("x", digest.VerdictHigh)})
	if err == nil || !strings.Contains(err.Error(), "webhook returned 403") {
		t.Fatalf("err = %v, want webhook status error", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
