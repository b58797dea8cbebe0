package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/digestapi"
	"github.com/linnemanlabs/scholardigest/internal/postgres"
)

// serveEnv carries the process-level pieces built in run.
type serveEnv struct {
	startOps     func(context.Context) (func(context.Context) error, error)
	instrument   func(http.Handler) http.Handler
	healthRoutes func(chi.Router)
	gate         *health.ShutdownGate
	httpCfg      httpserver.Config
	httpmwCfg    httpmw.Config
	shutdownOtel func(context.Context) error
	stopProf     func()
}

func (a *app) serve(ctx context.Context, env serveEnv) error {
	L := a.logger

	// start admin/ops listener: metrics, health, pprof
	opsHTTPStop, err := env.startOps(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json", "text/markdown", "text/html"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the request method for the query histogram.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithOperation(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 16))

	env.healthRoutes(r)

	var runs digest.RunRecorder
	if rec, ok := a.backing.(digest.RunRecorder); ok {
		runs = rec
	}
	rf, err := a.loadRules(ctx)
	if err != nil {
		return err
	}

	api := digestapi.New(L, a.backing, a.triggerRun, digestapi.Options{
		Runs:     runs,
		Report:   rf.ReportOptions(),
		APIToken: a.cfg.APIToken,
	})
	api.RegisterRoutes(r)
	if a.cfg.APIToken == "" {
		L.Warn(ctx, "api token not set, POST /api/v1/runs is disabled")
	}

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = env.instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: env.httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := env.httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", a.cfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.schedule(ctx, a.cfg.RunInterval())
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	env.gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(a.cfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", a.cfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"scheduler", func(ctx context.Context) error {
			select {
			case <-schedulerDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{"ops http server", opsHTTPStop},
	}
	if env.shutdownOtel != nil {
		stopFns = append(stopFns, stopFn{"otel", env.shutdownOtel})
	}

	budget := time.Duration(a.cfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if env.stopProf != nil {
		env.stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// triggerRun serves POST /api/v1/runs.
func (a *app) triggerRun(ctx context.Context, req digestapi.RunRequest) (*digest.RunReport, error) {
	since, err := parseWatermarkFlag("since", req.Since)
	if err != nil {
		return nil, err
	}
	return a.runOnce(ctx, "", req.DryRun, since)
}

// schedule runs the pipeline every interval until ctx ends. A zero interval
// disables scheduled runs. Overlapping runs are refused by the store lock.
func (a *app) schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	a.logger.Info(ctx, "scheduled runs enabled", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.runOnce(ctx, "scheduled", false, nil); err != nil {
				a.logger.Error(ctx, err, "scheduled run failed")
			}
		}
	}
}
