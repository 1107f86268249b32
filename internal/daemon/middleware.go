package daemon

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/telemetry"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next with Prometheus metrics and audit logging.
// If both metrics and auditLog are nil, next is returned unchanged.
func InstrumentHandler(next http.Handler, metrics *telemetry.Metrics, auditLog *audit.Logger) http.Handler {
	if metrics == nil && auditLog == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)

		if metrics != nil {
			metrics.DaemonRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
		}
		auditLog.DaemonAPIAccess(r.Method, path, rec.status)
	})
}

// sanitizePath replaces dynamic path segments with fixed labels to keep
// Prometheus label cardinality bounded, e.g.:
//
//	/api/mesh/peers/12D3Koo...  -> /api/mesh/peers/:id
//	/api/capabilities/node-b/llm-chat -> /api/capabilities/:id
func sanitizePath(path string) string {
	const capPrefix = "/api/capabilities/"
	if strings.HasPrefix(path, capPrefix) && strings.Trim(path[len(capPrefix):], "/") != "" {
		return capPrefix + ":id"
	}
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		switch parts[len(parts)-2] {
		case "peers", "capabilities":
			parts[len(parts)-1] = ":id"
			_ = last
			return strings.Join(parts, "/")
		}
	}
	return path
}

// authMiddleware checks the Authorization: Bearer <token> header against
// the configured daemon token. An empty expected token means the daemon
// was started without DaemonConfig.BearerTokenFile set, which is only
// safe when ListenAddress is loopback — callers are responsible for that
// check at startup, not here.
func authMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected != "" {
				auth := r.Header.Get("Authorization")
				if auth != "Bearer "+expected {
					respondError(w, http.StatusUnauthorized, ErrUnauthorized.Error(), "not_authorized")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
