package cache

import (
	"bytes"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taproom-labs/cellar/pkg/tenancy"
)

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cellar",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Response cache lookups by result.",
}, []string{"result"})

// cacheResponseWriter wraps http.ResponseWriter to capture the response body
// and status code so they can be stored in the cache.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func tenantKeyPrefix(tenantID string) string {
	return tenantID + "|"
}

// cacheKey scopes the request URI to the tenant resolved for the request.
func cacheKey(r *http.Request) string {
	return tenantKeyPrefix(tenancy.TenantIDFromContext(r.Context())) + r.URL.RequestURI()
}

// CacheMiddleware returns HTTP middleware that caches GET responses in the
// provided LRUCache. It must run after the tenancy middleware.
//
// Behavior:
//   - Only GET requests are cached; all other methods pass through.
//   - On cache hit: the cached body is written as JSON with a 200 status and
//     an X-Cache: HIT header.
//   - On cache miss: the handler is called; if it returns 200, the response
//     body is stored. An X-Cache: MISS header is added.
//   - Non-200 responses are never cached.
func CacheMiddleware(c *LRUCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := cacheKey(r)
			if cached, ok := c.Get(key); ok {
				lookupsTotal.WithLabelValues("hit").Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				return
			}
			lookupsTotal.WithLabelValues("miss").Inc()

			crw := &cacheResponseWriter{ResponseWriter: w}
			crw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(crw, r)

			if crw.statusCode == http.StatusOK {
				c.Set(key, bytes.Clone(crw.body.Bytes()))
			}
		})
	}
}
