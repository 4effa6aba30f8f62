package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// QuietPaths are the endpoints scraped or polled on a timer: /metrics by
// Prometheus, the health checks by the orchestrator and /status by
// dashboards. Their successful requests are logged at debug level.
var QuietPaths = []string{"/metrics", "/healthz", "/readyz", "/status"}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithRequestLogger sets the logger for request lines. Defaults to
// [slog.Default] at the time the request is served.
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) {
		mw.log = l
	}
}

// WithQuietPaths replaces [QuietPaths].
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) {
		mw.quiet = pathSet(paths)
	}
}

// Middleware instruments the observability listener of voicelink and
// echopeer. Each request joins the caller's W3C trace (or starts one), gets a
// server span and an X-Correlation-ID response header, is timed into
// [Metrics.HTTPRequestDuration] and is logged once it completes. Server
// errors mark the span as failed and are always logged at info level or
// above, quiet path or not.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	base := middleware{
		metrics: m,
		quiet:   pathSet(QuietPaths),
		prop:    propagation.TraceContext{},
	}
	for _, o := range opts {
		o(&base)
	}
	return func(next http.Handler) http.Handler {
		mw := base
		mw.next = next
		return &mw
	}
}

type middleware struct {
	metrics *Metrics
	log     *slog.Logger
	quiet   map[string]bool
	prop    propagation.TextMapPropagator
	next    http.Handler
}

func (mw *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := r.URL.Path

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, r.Method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(path),
		),
	)
	defer span.End()

	if cid := CorrelationID(ctx); cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	mw.next.ServeHTTP(sw, r.WithContext(ctx))
	elapsed := time.Since(start)

	mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", path),
			attribute.Int("status", sw.status),
		),
	)
	span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
	if sw.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(sw.status))
	}

	level := slog.LevelInfo
	if mw.quiet[path] && sw.status < http.StatusInternalServerError {
		level = slog.LevelDebug
	}
	LoggerFrom(ctx, mw.log).LogAttrs(ctx, level, "http request",
		slog.String("method", r.Method),
		slog.String("path", path),
		slog.Int("status", sw.status),
		slog.Duration("duration", elapsed),
	)
}

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func pathSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}
