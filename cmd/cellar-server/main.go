// Package main provides the cellar server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/taproom-labs/cellar/pkg/cache"
	"github.com/taproom-labs/cellar/pkg/ha"
	"github.com/taproom-labs/cellar/pkg/production"
	"github.com/taproom-labs/cellar/pkg/server"
	"github.com/taproom-labs/cellar/pkg/tenancy"
)

func main() {
	var (
		listenAddr   string
		databaseType string
		databaseDSN  string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&databaseType, "db-type", "", "Database type (postgres, mysql or sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbCfg := databaseConfigFromEnv(databaseType, databaseDSN)
	gormDB, err := openDatabase(dbCfg)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Info("connected to database", "type", dbCfg.Type)

	tenancyMode := tenancy.ParseMode(os.Getenv("CELLAR_TENANCY_MODE"))
	engineCfg := production.EngineConfigFromEnv()
	cacheCfg := cache.CacheConfigFromEnv()
	haCfg := ha.HAConfigFromEnv()

	logger.Info("starting cellar server",
		"listen", listenAddr,
		"tenancy", tenancyMode,
		"activation", engineCfg.ActivationEnabled,
		"calendarCache", cacheCfg.Enabled,
		"migrationLock", haCfg.MigrationLockEnabled,
	)

	srv := server.NewServer(gormDB, logger,
		server.WithTenancyMode(tenancyMode),
		server.WithEngineConfig(engineCfg),
		server.WithCacheConfig(cacheCfg),
		server.WithMigrationLocker(ha.NewMigrationLocker(gormDB, haCfg, logger)),
	)
	if err := srv.Init(ctx); err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}

	router := srv.MountRoutes()
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("cellar server ready", "listen", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("cellar server stopped")
}
