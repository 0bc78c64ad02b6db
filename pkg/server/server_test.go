package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taproom-labs/cellar/pkg/cache"
	"github.com/taproom-labs/cellar/pkg/ha"
	"github.com/taproom-labs/cellar/pkg/production"
	"github.com/taproom-labs/cellar/pkg/tenancy"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	opts = append([]ServerOption{
		WithTenancyMode(tenancy.ModeHeader),
		WithClock(clock.Now),
	}, opts...)
	s := NewServer(setupTestDB(t), nil, opts...)
	require.NoError(t, s.Init(context.Background()))
	s.MountRoutes()
	return s, clock
}

func doRequest(t *testing.T, h http.Handler, method, path, tenant string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(tenancy.TenantHeader, tenant)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func TestServerHealthEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)

	rr, body := doRequest(t, s.Router(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alive", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestServerReadyEndpoint(t *testing.T) {
	s := NewServer(setupTestDB(t), nil)
	s.MountRoutes()

	rr, body := doRequest(t, s.Router(), http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", body["status"])

	require.NoError(t, s.Init(context.Background()))

	rr, body = doRequest(t, s.Router(), http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "up", components["database"].(map[string]any)["status"])
	assert.Equal(t, "complete", components["migrations"].(map[string]any)["status"])
	assert.Equal(t, "disabled", components["cache"].(map[string]any)["status"])
}

func TestServerInitUnderMigrationLock(t *testing.T) {
	db := setupTestDB(t)
	s := NewServer(db, nil, WithMigrationLocker(ha.NewMigrationLocker(db, ha.DefaultHAConfig(), nil)))
	require.NoError(t, s.Init(context.Background()))

	assert.True(t, db.Migrator().HasTable(&production.Tank{}))
	var held int64
	require.NoError(t, db.Table("migration_lock").Count(&held).Error)
	assert.Zero(t, held, "migration lock should be released")
}

func TestServerAPIRequiresTenant(t *testing.T) {
	s, _ := setupTestServer(t)

	rr, body := doRequest(t, s.Router(), http.MethodGet, "/api/v1/tanks", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "bad_request", body["error"])

	rr, _ = doRequest(t, s.Router(), http.MethodGet, "/api/v1/tanks", "brewery-a", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)
	h := s.Router()

	// Reads never open an engine transaction, so a write is needed before
	// the engine counters have a series to expose.
	rr, tank := doRequest(t, h, http.MethodPost, "/api/v1/tanks", "brewery-a",
		map[string]any{"name": "FV1", "kind": "fermenter", "capacityLiters": 2000})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	doRequest(t, h, http.MethodGet, "/api/v1/tanks", "brewery-a", nil)
	doRequest(t, h, http.MethodGet, "/api/v1/tanks/"+tank["id"].(string), "brewery-a", nil)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "cellar_http_requests_total")
	assert.Contains(t, body, `cellar_engine_operations_total{operation="create_tank",outcome="ok"}`)
	assert.Contains(t, body, `route="/api/v1/tanks"`)
	assert.Contains(t, body, `route="/api/v1/tanks/{tankId}"`)
	assert.NotContains(t, body, `route="/tanks/{tankId}"`)
}

func TestServerCalendarCacheInvalidatedByWrites(t *testing.T) {
	s, clock := setupTestServer(t, WithCacheConfig(&cache.CacheConfig{
		Enabled:     true,
		CalendarTTL: time.Minute,
		MaxSize:     100,
	}))
	h := s.Router()

	rr, body := doRequest(t, h, http.MethodGet, "/api/v1/calendar/assignments", "brewery-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, float64(0), body["count"])

	rr, _ = doRequest(t, h, http.MethodGet, "/api/v1/calendar/assignments", "brewery-a", nil)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))

	_, tank := doRequest(t, h, http.MethodPost, "/api/v1/tanks", "brewery-a",
		map[string]any{"name": "FV1", "kind": "fermenter", "capacityLiters": 2000})
	_, batch := doRequest(t, h, http.MethodPost, "/api/v1/batches", "brewery-a",
		map[string]any{"batchNumber": "2026-101", "volumeLiters": 1000})
	rr, _ = doRequest(t, h, http.MethodPost, "/api/v1/batches/"+batch["id"].(string)+"/assign", "brewery-a", map[string]any{
		"tankId":       tank["id"],
		"plannedStart": clock.Now().Format(time.RFC3339),
		"plannedEnd":   clock.Now().Add(7 * 24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr, body = doRequest(t, h, http.MethodGet, "/api/v1/calendar/assignments", "brewery-a", nil)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Equal(t, float64(1), body["count"])

	// Another tenant's write leaves this tenant's entry alone.
	doRequest(t, h, http.MethodPost, "/api/v1/tanks", "brewery-b",
		map[string]any{"name": "FV1", "kind": "fermenter", "capacityLiters": 2000})
	rr, _ = doRequest(t, h, http.MethodGet, "/api/v1/calendar/assignments", "brewery-a", nil)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))
}

func TestServerStartActivatesDueAssignments(t *testing.T) {
	cfg := production.DefaultEngineConfig()
	cfg.ActivationInterval = 20 * time.Millisecond
	s, clock := setupTestServer(t, WithEngineConfig(cfg))
	h := s.Router()

	_, tank := doRequest(t, h, http.MethodPost, "/api/v1/tanks", "brewery-a",
		map[string]any{"name": "FV1", "kind": "fermenter", "capacityLiters": 2000})
	_, batch := doRequest(t, h, http.MethodPost, "/api/v1/batches", "brewery-a",
		map[string]any{"batchNumber": "2026-101", "volumeLiters": 1000})
	rr, assigned := doRequest(t, h, http.MethodPost, "/api/v1/batches/"+batch["id"].(string)+"/assign", "brewery-a", map[string]any{
		"tankId":       tank["id"],
		"plannedStart": clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"plannedEnd":   clock.Now().Add(8 * 24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assignment := assigned["assignment"].(map[string]any)
	require.Equal(t, "PLANNED", assignment["status"])

	clock.Advance(25 * time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		var a production.TankAssignment
		if err := s.db.First(&a, "id = ?", assignment["id"]).Error; err != nil {
			return false
		}
		return a.Status == production.AssignmentStatusActive
	}, 2*time.Second, 20*time.Millisecond)
}
