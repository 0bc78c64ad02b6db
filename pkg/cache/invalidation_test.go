package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCacheManager(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"NewCacheManagerDisabled", testNewCacheManagerDisabled},
		{"NewCacheManagerNilConfig", testNewCacheManagerNilConfig},
		{"InvalidateTenantIsScoped", testInvalidateTenantIsScoped},
		{"InvalidateAll", testManagerInvalidateAll},
		{"NilCacheManagerSafe", testNilCacheManagerSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testNewCacheManagerDisabled(t *testing.T) {
	if cm := NewCacheManager(&CacheConfig{Enabled: false}); cm != nil {
		t.Fatal("expected nil CacheManager when disabled")
	}
}

func testNewCacheManagerNilConfig(t *testing.T) {
	if cm := NewCacheManager(nil); cm != nil {
		t.Fatal("expected nil CacheManager for nil config")
	}
}

func newTestManager() *CacheManager {
	return NewCacheManager(&CacheConfig{Enabled: true, CalendarTTL: 5 * time.Second, MaxSize: 100})
}

func testInvalidateTenantIsScoped(t *testing.T) {
	cm := newTestManager()
	cm.calendar.Set("brewery-a|/calendar/assignments", []byte(`{"count":1}`))
	cm.calendar.Set("brewery-b|/calendar/assignments", []byte(`{"count":2}`))

	cm.InvalidateTenant("brewery-a")

	if _, ok := cm.calendar.Get("brewery-a|/calendar/assignments"); ok {
		t.Fatal("expected brewery-a entry to be invalidated")
	}
	if _, ok := cm.calendar.Get("brewery-b|/calendar/assignments"); !ok {
		t.Fatal("expected brewery-b entry to survive")
	}
}

func testManagerInvalidateAll(t *testing.T) {
	cm := newTestManager()
	cm.calendar.Set("brewery-a|/x", []byte(`{}`))
	cm.calendar.Set("brewery-b|/x", []byte(`{}`))
	cm.InvalidateAll()
	if cm.calendar.Size() != 0 {
		t.Fatalf("expected empty cache, got %d", cm.calendar.Size())
	}
}

func testNilCacheManagerSafe(t *testing.T) {
	var cm *CacheManager
	cm.InvalidateTenant("brewery-a")
	cm.InvalidateAll()

	called := false
	h := cm.CalendarMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/calendar/assignments", nil))
	if !called {
		t.Fatal("expected nil manager middleware to pass through")
	}
}
