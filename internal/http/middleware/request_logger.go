package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger tags each request with an id (echoed in X-Request-ID), stores
// a request-scoped logger on the context for handlers, and writes one access
// line when the request finishes. Lines are keyed by route pattern so
// /v1/practitioners/{practitionerID}/slots aggregates across practitioners.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			reqID := requestID(r)
			w.Header().Set(requestIDHeader, reqID)

			scoped := logger.With("request_id", reqID)
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				scoped = scoped.With("trace_id", sc.TraceID().String())
			}
			r = r.WithContext(logging.WithContext(r.Context(), scoped))

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"route", routePattern(r),
				"status", status,
				"bytes", ww.BytesWritten(),
				"remote_ip", r.RemoteAddr,
				"duration_ms", time.Since(started).Milliseconds(),
			}
			if id := chi.URLParam(r, "practitionerID"); id != "" {
				attrs = append(attrs, "practitioner_id", id)
			}
			scoped.Log(r.Context(), accessLevel(status), "request completed", attrs...)
		})
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// routePattern falls back to the raw path outside a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func accessLevel(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
