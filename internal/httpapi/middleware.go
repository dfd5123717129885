package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"payment-service/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogging tags each request with a requestId for every log line
// written while serving it, then logs and counts the response.
func requestLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ctx := logging.AppendCtx(r.Context(), slog.String("requestId", uuid.NewString()))
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.GetOrCreateCounter(fmt.Sprintf(`http_requests_total{pattern=%q,code="%d"}`, pattern, rec.status)).Inc()

		if r.URL.Path == "/liveness" || r.URL.Path == "/metrics" {
			return
		}
		logger.InfoContext(ctx, "Request served",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "durationMs", time.Since(startTime).Milliseconds())
	})
}
