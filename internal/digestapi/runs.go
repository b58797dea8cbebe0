package digestapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

const maxRunRequestBytes = 4 << 10

func (a *API) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rep, ok, err := a.runs.LatestRun(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load latest run")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("digest.run_id", rep.ID),
		attribute.String("digest.state", string(rep.State)),
	)
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	if req.Since != "" && !digest.ParseWatermark(req.Since).Valid {
		writeError(w, http.StatusBadRequest, "since must be a unix timestamp or ISO-8601 date")
		return
	}

	// The run outlives a disconnecting client.
	rep, err := a.run(context.WithoutCancel(r.Context()), req)

	span := trace.SpanFromContext(r.Context())
	if rep != nil {
		span.SetAttributes(
			attribute.String("digest.run_id", rep.ID),
			attribute.String("digest.state", string(rep.State)),
		)
	}

	switch {
	case errors.Is(err, digest.ErrLocked):
		writeError(w, http.StatusConflict, "another run is in progress")
	case err != nil && rep == nil:
		a.logger.Error(r.Context(), err, "run trigger failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}
