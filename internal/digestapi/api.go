// Package digestapi exposes the digest store, rendered reports, run history
// and manual run triggering over HTTP.
package digestapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/scholardigest/internal/authmw"
	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/report"
)

// RunRequest is the body of POST /api/v1/runs. Every field is optional.
type RunRequest struct {
	DryRun bool `json:"dry_run"`
	// Since overrides the stored watermark for this run (Unix or ISO-8601).
	Since string `json:"since"`
}

// RunFunc executes one pipeline run and returns its report.
type RunFunc func(ctx context.Context, req RunRequest) (*digest.RunReport, error)

// Options holds the optional parts of an API.
type Options struct {
	// Runs serves /runs/latest; nil answers 404.
	Runs digest.RunRecorder
	// Report controls /report rendering.
	Report report.Options
	// APIToken guards POST /runs. Empty disables the endpoint.
	APIToken string
	Now      func() time.Time
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	store   digest.Store
	run     RunFunc
	runs    digest.RunRecorder
	reports report.Options
	token   string
	now     func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, store digest.Store, run RunFunc, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("article store is required"))
	}
	if run == nil {
		panic(xerrors.New("run func is required"))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &API{
		logger:  logger,
		store:   store,
		run:     run,
		runs:    opts.Runs,
		reports: opts.Report,
		token:   opts.APIToken,
		now:     now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/articles", a.handleListArticles)
		r.Get("/report", a.handleReport)
		r.Get("/runs/latest", a.handleLatestRun)
		r.With(authmw.BearerToken(a.token, a.logger)).Post("/runs", a.handleTriggerRun)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
