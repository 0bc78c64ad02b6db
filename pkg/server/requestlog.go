package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taproom-labs/cellar/pkg/production"
	"github.com/taproom-labs/cellar/pkg/tenancy"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellar",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellar",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// RequestLogMiddleware logs one line per request and records request
// metrics. 5xx responses are logged at error level.
func RequestLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(capture, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(capture.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

			// The tenant is resolved by a later middleware, so read the
			// header directly.
			tenant := r.Header.Get(tenancy.TenantHeader)
			if tenant == "" {
				tenant = tenancy.DefaultTenant
			}

			level := slog.LevelInfo
			if capture.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", capture.statusCode,
				"duration", elapsed.String(),
				"tenant", tenant,
				"correlationId", production.CorrelationID(r))
		})
	}
}

// routePattern returns the matched chi pattern so metric labels stay
// bounded. Unmatched requests share one label. API patterns always carry
// APIPrefix, however the sub-router was attached.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	p := rctx.RoutePattern()
	if p == "" {
		return "unmatched"
	}
	if strings.HasPrefix(r.URL.Path, APIPrefix+"/") && !strings.HasPrefix(p, APIPrefix) {
		p = APIPrefix + p
	}
	return p
}
