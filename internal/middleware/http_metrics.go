package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /payments/intents/pi_123
// to /payments/intents/{id}.
func normalizePath(path string) string {
	// Exact matches for static routes (no normalization needed)
	staticRoutes := map[string]bool{
		"/":                       true,
		"/payments/customers":     true,
		"/payments/setup-intents": true,
		"/payments/intents":       true,
		"/payments/subscriptions": true,
		"/payments/bank-tokens":   true,
		"/payments/bank-accounts": true,
		"/webhooks/stripe":        true,
		"/health":                 true,
		"/ready":                  true,
		"/metrics":                true,
	}

	if staticRoutes[path] {
		return path
	}

	// /payments/setup-intents/{id} and /payments/setup-intents/{id}/verify
	if strings.HasPrefix(path, "/payments/setup-intents/") {
		parts := strings.Split(path, "/")
		if len(parts) == 5 && parts[4] == "verify" {
			return "/payments/setup-intents/{id}/verify"
		}
		if len(parts) == 4 && parts[3] != "" {
			return "/payments/setup-intents/{id}"
		}
	}

	// /payments/intents/{id} and /payments/intents/{id}/confirm
	if strings.HasPrefix(path, "/payments/intents/") {
		parts := strings.Split(path, "/")
		if len(parts) == 5 && parts[4] == "confirm" {
			return "/payments/intents/{id}/confirm"
		}
		if len(parts) == 4 && parts[3] != "" {
			return "/payments/intents/{id}"
		}
	}

	// /payments/subscriptions/{id}
	if strings.HasPrefix(path, "/payments/subscriptions/") {
		parts := strings.Split(path, "/")
		if len(parts) == 4 && parts[3] != "" {
			return "/payments/subscriptions/{id}"
		}
	}

	// /payments/methods/{id}
	if strings.HasPrefix(path, "/payments/methods/") {
		parts := strings.Split(path, "/")
		if len(parts) == 4 && parts[3] != "" {
			return "/payments/methods/{id}"
		}
	}

	// /payments/bank-accounts/{id}
	if strings.HasPrefix(path, "/payments/bank-accounts/") {
		parts := strings.Split(path, "/")
		if len(parts) == 4 && parts[3] != "" {
			return "/payments/bank-accounts/{id}"
		}
	}

	// Fallback: return as-is for unknown patterns
	// This ensures we don't accidentally break metrics for new routes
	return path
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health check endpoints (/health, /ready) are excluded from metrics to avoid cardinality issues.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			mrw := newMetricsResponseWriter(w)

			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			duration := time.Since(start).Seconds()
			normalizedPath := normalizePath(r.URL.Path)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizedPath,
				strconv.Itoa(mrw.statusCode),
				duration,
				requestSize,
				mrw.size,
			)
		})
	}
}
