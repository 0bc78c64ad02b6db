package cache

import (
	"net/http"
)

// CacheManager owns the calendar response cache and invalidates it per
// tenant after writes.
type CacheManager struct {
	calendar *LRUCache
}

// NewCacheManager creates a CacheManager from the given configuration.
// If cfg is nil or disabled, it returns nil. A nil *CacheManager is safe to
// use: invalidation is a no-op and the middleware passes requests through.
func NewCacheManager(cfg *CacheConfig) *CacheManager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &CacheManager{calendar: NewLRUCache(cfg.MaxSize, cfg.CalendarTTL)}
}

// InvalidateTenant drops every cached response of one tenant. It has the
// signature of an engine change hook.
func (cm *CacheManager) InvalidateTenant(tenantID string) {
	if cm == nil {
		return
	}
	cm.calendar.InvalidatePrefix(tenantKeyPrefix(tenantID))
}

// InvalidateAll clears the cache entirely.
func (cm *CacheManager) InvalidateAll() {
	if cm == nil {
		return
	}
	cm.calendar.InvalidateAll()
}

// CalendarMiddleware returns HTTP middleware that caches calendar responses.
func (cm *CacheManager) CalendarMiddleware() func(http.Handler) http.Handler {
	if cm == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(cm.calendar)
}
