// Scholardigest turns Google Scholar alert emails into a scored, deduplicated
// reading digest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	vc "github.com/linnemanlabs/scholardigest/internal/cfg"
	"github.com/linnemanlabs/scholardigest/internal/digest"
	"github.com/linnemanlabs/scholardigest/internal/postgres"
)

const appName = "scholardigest"

const usage = `usage: scholardigest [flags] <command> [command flags]

commands:
  fetch      run the pipeline once (-since <unix|iso>, -dry-run)
  report     render the digest from stored articles (-out <dir>)
  update-ts  set the watermark (-value <unix|iso>, default now)
  serve      run the API and ops listeners, with optional scheduled runs
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var (
		showVersion bool
		envFile     string
	)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading SCHOLARDIGEST_* variables (missing file is ignored)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage+"\nflags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	command := ""
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	v.AppName = appName
	v.Component = command
	vi := v.Get()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := validateCommand(command); err != nil {
		flag.Usage()
		return err
	}

	// dotenv never overrides variables already present in the environment
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	// env vars with prefix SCHOLARDIGEST_ fill flags not set on the command line
	cfg.FillFromEnv(flag.CommandLine, "SCHOLARDIGEST_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if command == "serve" && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}
	if command == "fetch" || command == "serve" {
		if err := appCfg.ValidateBackend(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", command)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"command", command,
		"backend", appCfg.Backend,
		"rules_file", appCfg.RulesFile,
		"database", appCfg.DatabaseURL != "",
		"data_dir", appCfg.DataDir,
		"mail_dir", appCfg.MailDir,
		"score_concurrency", appCfg.ScoreConcurrency,
		"enrich", appCfg.Enrich,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": command,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = command
	traceOpts.Version = v.Version

	var shutdownOtel func(context.Context) error
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		shutdownOtel = shutdownOtelx
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag spans with the pyroscope profile id so traces link to flame graphs
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, command, &vi)
	m.SetProfilingActive(profiling)

	digestMetrics := digest.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scholardigest_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, route, outcome).Observe(dur.Seconds())
		},
	))

	a, closeApp, err := newApp(ctx, &appCfg, L, digestMetrics)
	if err != nil {
		return err
	}
	defer closeApp()

	cmdArgs := flag.Args()[1:]
	switch command {
	case "fetch":
		return a.fetch(ctx, cmdArgs, os.Stdout)
	case "report":
		return a.report(ctx, cmdArgs, os.Stdout)
	case "update-ts":
		return a.updateTimestamp(ctx, cmdArgs, os.Stdout)
	}

	// serve: readiness fails while draining so load balancers stop routing
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	return a.serve(ctx, serveEnv{
		startOps: func(ctx context.Context) (func(context.Context) error, error) {
			return opshttp.Start(ctx, L, opsOpts)
		},
		instrument: func(h http.Handler) http.Handler { return m.Middleware(h) },
		healthRoutes: func(r chi.Router) {
			r.Get("/-/healthy", health.HealthzHandler(liveness))
			r.Get("/-/ready", health.ReadyzHandler(readiness))
		},
		gate:         &shutdownGate,
		httpCfg:      httpCfg,
		httpmwCfg:    httpmwCfg,
		shutdownOtel: shutdownOtel,
		stopProf:     stopProf,
	})
}

func validateCommand(command string) error {
	switch command {
	case "fetch", "report", "update-ts", "serve":
		return nil
	case "":
		return errors.New("a command is required")
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
