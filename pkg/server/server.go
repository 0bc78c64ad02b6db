// Package server assembles the cellar HTTP service: migrations, the
// middleware chain, the production and calendar APIs, health probes and the
// background activation loop.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/cache"
	"github.com/taproom-labs/cellar/pkg/calendar"
	"github.com/taproom-labs/cellar/pkg/ha"
	"github.com/taproom-labs/cellar/pkg/production"
	"github.com/taproom-labs/cellar/pkg/tenancy"
)

// APIPrefix is where the tenant-scoped API is mounted.
const APIPrefix = "/api/v1"

// Server owns the engine and its supporting components for one process.
type Server struct {
	router          chi.Router
	db              *gorm.DB
	logger          *slog.Logger
	engine          *production.Engine
	calendar        *calendar.Service
	engineConfig    *production.EngineConfig
	cacheManager    *cache.CacheManager
	migrationLocker ha.MigrationLocker
	tenancyMode     tenancy.TenancyMode
	now             func() time.Time
	startedAt       time.Time
	initialLoadDone bool
	mu              sync.RWMutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTenancyMode sets how tenants are resolved. Defaults to ModeSingle.
func WithTenancyMode(mode tenancy.TenancyMode) ServerOption {
	return func(s *Server) {
		s.tenancyMode = mode
	}
}

// WithEngineConfig sets the engine configuration. Defaults to
// production.DefaultEngineConfig().
func WithEngineConfig(cfg *production.EngineConfig) ServerOption {
	return func(s *Server) {
		s.engineConfig = cfg
	}
}

// WithCacheConfig enables the calendar response cache. A nil or disabled
// config leaves the calendar uncached.
func WithCacheConfig(cfg *cache.CacheConfig) ServerOption {
	return func(s *Server) {
		s.cacheManager = cache.NewCacheManager(cfg)
	}
}

// WithMigrationLocker sets the locker AutoMigrate runs under. Without one,
// migrations run unlocked.
func WithMigrationLocker(locker ha.MigrationLocker) ServerOption {
	return func(s *Server) {
		s.migrationLocker = locker
	}
}

// WithClock overrides the time source of the engine and the calendar.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a Server over db.
func NewServer(db *gorm.DB, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		db:           db,
		logger:       logger,
		tenancyMode:  tenancy.ModeSingle,
		engineConfig: production.DefaultEngineConfig(),
		now:          time.Now,
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = production.NewEngine(db, s.engineConfig, logger.With("component", "engine"),
		production.WithClock(s.now),
		production.WithChangeHook(s.cacheManager.InvalidateTenant),
	)
	s.calendar = calendar.NewService(db, s.now)

	return s
}

// Init creates or updates the schema. When a MigrationLocker is configured
// the migration runs under it.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	migrate := func() error {
		return s.engine.AutoMigrate()
	}

	var err error
	if s.migrationLocker != nil {
		err = s.migrationLocker.WithLock(ctx, migrate)
	} else {
		err = migrate()
	}
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	s.logger.Info("schema migrated")
	s.initialLoadDone = true
	return nil
}

// MountRoutes builds the HTTP router.
func (s *Server) MountRoutes() chi.Router {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.router = chi.NewRouter()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogMiddleware(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			tenancy.TenantHeader, tenancy.UserHeader, production.CorrelationIDHeader,
		},
		ExposedHeaders:   []string{"X-Cache", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", s.healthHandler)
	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route(APIPrefix, func(r chi.Router) {
		r.Use(tenancy.NewMiddleware(s.tenancyMode))
		r.With(s.cacheManager.CalendarMiddleware()).
			Get("/calendar/assignments", calendar.AssignmentsHandler(s.calendar, s.logger))
		production.Routes(r, s.engine)
	})

	return s.router
}

// Start launches background loops. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	activator := production.NewActivator(s.engine, s.engineConfig, s.logger.With("component", "activator"))
	go activator.Run(ctx)
}

// Router returns the router built by MountRoutes.
func (s *Server) Router() chi.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// Engine returns the production engine.
func (s *Server) Engine() *production.Engine {
	return s.engine
}

// CacheManager returns the calendar cache, or nil when caching is disabled.
func (s *Server) CacheManager() *cache.CacheManager {
	return s.cacheManager
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the schema is migrated and the database
// answers a ping.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	initialLoadDone := s.initialLoadDone
	s.mu.RUnlock()

	allReady := true

	dbStatus := map[string]string{"status": "up"}
	if s.db == nil {
		dbStatus["status"] = "not_configured"
		allReady = false
	} else if sqlDB, err := s.db.DB(); err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		allReady = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus["status"] = "down"
		dbStatus["error"] = err.Error()
		allReady = false
	}

	migrationStatus := map[string]string{"status": "complete"}
	if !initialLoadDone {
		migrationStatus["status"] = "pending"
		allReady = false
	}

	cacheStatus := map[string]string{"status": "disabled"}
	if s.cacheManager != nil {
		cacheStatus["status"] = "enabled"
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database":   dbStatus,
			"migrations": migrationStatus,
			"cache":      cacheStatus,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
