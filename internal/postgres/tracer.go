package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryStateKey struct{}

// loggingTracer wraps another pgx.QueryTracer (otelpgx in production),
// records per-query stats and metrics, and logs each query. With slow set,
// only queries at least that slow, or failed ones, are logged.
type loggingTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
	now   func() time.Time
}

func newLoggingTracer(inner pgx.QueryTracer, slow time.Duration) *loggingTracer {
	return &loggingTracer{inner: inner, slow: slow, now: time.Now}
}

func (t *loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: t.now()}
	st.caller, st.handler = queryCallsite()

	// The inner tracer opens the DB span.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(st.spanAttrs()...)
	}
	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t *loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey{}).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = t.now().Sub(st.start)
	}

	if s, ok := QueryStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if dur > 0 {
		observe(ctx, dur, data.Err)
	}

	L := log.FromContext(ctx)
	switch {
	case data.Err != nil:
		L.Error(ctx, data.Err, "db query failed", st.logFields(dur, data)...)
	case t.slow <= 0:
		L.Info(ctx, "db query", st.logFields(dur, data)...)
	case dur >= t.slow:
		L.Warn(ctx, "slow db query", st.logFields(dur, data)...)
	}
}

func (st *queryState) spanAttrs() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if st.caller != "" {
		attrs = append(attrs, attribute.String("db.caller", st.caller))
	}
	if st.handler != "" {
		attrs = append(attrs, attribute.String("db.handler", st.handler))
	}
	return attrs
}

func (st *queryState) logFields(dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args", st.args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		verb, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(verb),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

// Frames from these packages never name the caller.
var callsiteNoise = []string{
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"github.com/linnemanlabs/scholardigest/internal/postgres.",
}

// Store methods are the caller; the handler is the first frame above them.
const storeFramePrefix = "github.com/linnemanlabs/scholardigest/internal/digest/pgstore.(*Store)."

// queryCallsite walks the stack for the application function issuing the
// query (caller) and the first frame above the store layer (handler), e.g.
// the coordinator or an API handler.
func queryCallsite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !isNoiseFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !strings.HasPrefix(fn, storeFramePrefix):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func isNoiseFrame(fn string) bool {
	if strings.HasPrefix(fn, "runtime.") {
		return true
	}
	for _, p := range callsiteNoise {
		if strings.Contains(fn, p) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
