package main

import (
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// databaseConfig selects and tunes the database connection.
type databaseConfig struct {
	Type            string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// databaseConfigFromEnv merges flags with DATABASE_TYPE and DATABASE_DSN.
// Flags win. The default is an embedded SQLite file.
func databaseConfigFromEnv(dbType, dsn string) databaseConfig {
	if dbType == "" {
		dbType = envOrDefault("DATABASE_TYPE", "sqlite")
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_DSN")
	}
	if dsn == "" && dbType == "sqlite" {
		dsn = "cellar.db"
	}
	return databaseConfig{
		Type:            dbType,
		DSN:             dsn,
		MaxOpenConns:    20,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func dialectorFor(cfg databaseConfig) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required (use -db-dsn flag or DATABASE_DSN environment variable)")
	}
	switch cfg.Type {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown database type %q (expected postgres, mysql or sqlite)", cfg.Type)
	}
}

func openDatabase(cfg databaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if cfg.Type == "sqlite" {
		// SQLite allows one writer; a single connection keeps writes ordered.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return db, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
