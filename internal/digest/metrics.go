package digest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the digest pipeline.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	ArticlesTotal     *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	BackendCallsTotal *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	WatermarkSeconds  prometheus.Gauge
	LastRunTimestamp  *prometheus.GaugeVec
}

// NewMetrics registers and returns digest metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholardigest_runs_total",
			Help: "Total pipeline runs by final state.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scholardigest_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~17m
		}, []string{"state"}),
		ArticlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholardigest_articles_total",
			Help: "Articles seen by pipeline outcome.",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholardigest_decisions_total",
			Help: "Scoring decisions by verdict and source.",
		}, []string{"verdict", "source"}),
		BackendCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scholardigest_backend_calls_total",
			Help: "Scoring backend calls by backend and status.",
		}, []string{"backend", "status"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scholardigest_backend_call_duration_seconds",
			Help:    "Duration of scoring backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"backend"}),
		WatermarkSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scholardigest_watermark_timestamp_seconds",
			Help: "Current watermark as a Unix timestamp (0 when absent).",
		}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scholardigest_last_run_timestamp_seconds",
			Help: "Unix time the last run finished, by final state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ArticlesTotal,
		m.DecisionsTotal,
		m.BackendCallsTotal,
		m.BackendDuration,
		m.WatermarkSeconds,
		m.LastRunTimestamp,
	)

	return m
}

// ScoreHooks returns ScoreHooks that update the scoring metrics.
func (m *Metrics) ScoreHooks() ScoreHooks {
	return ScoreHooks{
		OnBackendCall: func(backend string, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.BackendCallsTotal.WithLabelValues(backend, status).Inc()
			m.BackendDuration.WithLabelValues(backend).Observe(duration)
		},
		OnDecision: func(v Verdict, source DecisionSource) {
			m.DecisionsTotal.WithLabelValues(string(v), string(source)).Inc()
		},
	}
}

// RunHooks returns RunHooks that update the run metrics.
func (m *Metrics) RunHooks() RunHooks {
	return RunHooks{
		OnRunComplete: func(r *RunReport) {
			state := string(r.State)
			m.RunsTotal.WithLabelValues(state).Inc()
			m.RunDuration.WithLabelValues(state).Observe(r.Duration())
			m.LastRunTimestamp.WithLabelValues(state).Set(float64(r.FinishedAt.Unix()))

			m.ArticlesTotal.WithLabelValues("fetched").Add(float64(r.Counts.Fetched))
			m.ArticlesTotal.WithLabelValues("malformed").Add(float64(r.Counts.Malformed))
			m.ArticlesTotal.WithLabelValues("skipped_duplicate").Add(float64(r.Counts.SkippedDuplicate))
			m.ArticlesTotal.WithLabelValues("scored").Add(float64(r.Counts.Scored))
			m.ArticlesTotal.WithLabelValues("persisted").Add(float64(r.Counts.Persisted))
			m.ArticlesTotal.WithLabelValues("failed").Add(float64(r.Counts.Failed))

			if r.WatermarkAfter.Valid {
				m.WatermarkSeconds.Set(float64(r.WatermarkAfter.At.Unix()))
			}
		},
	}
}
