package middleware

import (
	"net/http"
	"time"

	"github.com/bcnelson/fellowship/internal/metrics"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ContentType sets the JSON content type on every response.
func ContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Logging logs one line per request and records request metrics.
func Logging(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, status, elapsed.Seconds())

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}
