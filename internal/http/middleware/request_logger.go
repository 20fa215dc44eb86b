package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/wolfman30/patient-portal/pkg/logging"
)

// RequestLogger logs one structured line per request with its status and
// duration. Health and metrics probes are logged at debug level.
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := chimw.GetReqID(r.Context())
			if reqID == "" {
				reqID = r.Header.Get("X-Request-ID")
			}
			if reqID == "" {
				reqID = uuid.NewString()
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"request_id", reqID,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if id, ok := IdentityFromContext(r.Context()); ok {
				attrs = append(attrs, "user_id", id.UserID)
			}

			switch {
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				logger.Debug("request completed", attrs...)
			case status >= http.StatusInternalServerError:
				logger.Error("request completed", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
		})
	}
}
