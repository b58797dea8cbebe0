package digestapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/report"
)

// readRetryAfter is the Retry-After value, in seconds, sent while a run
// holds the store.
const readRetryAfter = "5"

func (a *API) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f digest.Filter
	for _, v := range q["verdict"] {
		switch digest.Verdict(v) {
		case digest.VerdictHigh, digest.VerdictMedium, digest.VerdictLow:
			f.Verdicts = append(f.Verdicts, digest.Verdict(v))
		default:
			writeError(w, http.StatusBadRequest, "verdict must be High, Medium or Low")
			return
		}
	}
	if s := q.Get("since"); s != "" {
		wm := digest.ParseWatermark(s)
		if !wm.Valid {
			writeError(w, http.StatusBadRequest, "since must be a unix timestamp or ISO-8601 date")
			return
		}
		f.Since = wm.At
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	articles, err := digest.ListArticles(r.Context(), a.store, f)
	if err != nil {
		a.readFailed(w, r, err, "failed to list articles")
		return
	}
	if articles == nil {
		articles = []*digest.ScoredArticle{}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("digest.articles", len(articles)))
	writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "html" {
		writeError(w, http.StatusBadRequest, "format must be md or html")
		return
	}

	articles, err := digest.ListArticles(r.Context(), a.store, digest.Filter{})
	if err != nil {
		a.readFailed(w, r, err, "failed to load articles for report")
		return
	}

	opts := a.reports
	opts.HTML = format == "html"
	md, html, err := report.Render(articles, a.now(), opts)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to render report", "format", format)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body, contentType := md, "text/markdown; charset=utf-8"
	if format == "html" {
		body, contentType = html, "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// readFailed answers a failed store read. Reads wait for a running pipeline
// to finish, so the lock surfaces as 503 with a retry hint.
func (a *API) readFailed(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, digest.ErrLocked) {
		w.Header().Set("Retry-After", readRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "a run is in progress, retry shortly")
		return
	}
	a.logger.Error(r.Context(), err, msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}
