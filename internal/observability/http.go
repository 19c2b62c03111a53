package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csai/reqguard/internal/metrics"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Middleware assigns request ids, logs each request and records HTTP
// metrics. metricsPath is the configured exposition path, labelled as-is.
func Middleware(logger *slog.Logger, reg *metrics.Registry, metricsPath string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		traceparent := r.Header.Get("Traceparent")
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		reg.IncRequest(routeLabel(r.URL.Path, metricsPath))
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		reg.ObserveRequestDuration(time.Since(start))
		if rw.status >= 400 {
			reg.IncError()
		}
		logger.InfoContext(ctx, "http_request",
			slog.String("traceparent", traceparent),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

// routeLabel keeps the path label bounded: client ids collapse and unknown
// paths share one label.
func routeLabel(path, metricsPath string) string {
	if metricsPath != "" && path == metricsPath {
		return path
	}
	switch path {
	case "/healthz", "/v1/stats", "/v1/stats/reset", "/v1/nonces", "/v1/nonces/reset", "/v1/clients", "/v1/echo":
		return path
	}
	if strings.HasPrefix(path, "/v1/clients/") {
		return "/v1/clients/{id}"
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
