package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"kitebridge/internal/logger"
	"kitebridge/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a route with request ids, access logging, metrics and
// panic recovery. route is the metrics label, not the raw path.
func instrument(route string, m *metrics.Metrics, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logger.NewRequestID()
		}
		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				slog.ErrorContext(ctx, "handler panic", append(logger.LogWithRequest(ctx), "route", route, "panic", fmt.Sprint(p))...)
				writeError(rec, fmt.Errorf("internal error"))
			}
			elapsed := time.Since(start)
			if m != nil {
				m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
				m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			}
			slog.DebugContext(ctx, "http request", append(logger.LogWithRequest(ctx),
				"method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", elapsed)...)
		}()

		next(rec, r.WithContext(ctx))
	}
}
