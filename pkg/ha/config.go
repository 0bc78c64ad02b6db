// Package ha lets several cellar-server replicas share one database:
// schema migrations run under a cross-process lock so only one replica
// applies them at a time.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for multi-replica deployments.
type HAConfig struct {
	// MigrationLockEnabled controls whether AutoMigrate runs under the
	// migration lock. Single-replica deployments may turn it off.
	MigrationLockEnabled bool

	// LockName identifies the lock. Replicas of one deployment must agree.
	LockName string

	// LockTimeout bounds how long a replica waits for the lock.
	LockTimeout time.Duration

	// StaleLockAge is the age after which a table-based lock row left by a
	// crashed replica is removed.
	StaleLockAge time.Duration

	// Identity is recorded as the lock holder. Defaults to POD_NAME or the
	// hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		MigrationLockEnabled: true,
		LockName:             "cellar-migration",
		LockTimeout:          30 * time.Second,
		StaleLockAge:         5 * time.Minute,
		Identity:             defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - CELLAR_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - CELLAR_MIGRATION_LOCK_NAME: lock name (default: "cellar-migration")
//   - CELLAR_MIGRATION_LOCK_TIMEOUT: seconds (default: 30)
//   - CELLAR_MIGRATION_LOCK_STALE_AGE: seconds (default: 300)
//   - POD_NAME: lock holder identity
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("CELLAR_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CELLAR_MIGRATION_LOCK_NAME"); v != "" {
		cfg.LockName = v
	}
	if v := os.Getenv("CELLAR_MIGRATION_LOCK_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.LockTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CELLAR_MIGRATION_LOCK_STALE_AGE"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StaleLockAge = time.Duration(secs) * time.Second
		}
	}

	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
