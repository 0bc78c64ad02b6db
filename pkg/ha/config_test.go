package ha

import (
	"testing"
	"time"
)

func TestDefaultHAConfig(t *testing.T) {
	cfg := DefaultHAConfig()

	if !cfg.MigrationLockEnabled {
		t.Error("MigrationLockEnabled should be true by default")
	}
	if cfg.LockName != "cellar-migration" {
		t.Errorf("LockName = %q, want %q", cfg.LockName, "cellar-migration")
	}
	if cfg.LockTimeout != 30*time.Second {
		t.Errorf("LockTimeout = %v, want %v", cfg.LockTimeout, 30*time.Second)
	}
	if cfg.StaleLockAge != 5*time.Minute {
		t.Errorf("StaleLockAge = %v, want %v", cfg.StaleLockAge, 5*time.Minute)
	}
	if cfg.Identity == "" {
		t.Error("Identity should default to the hostname")
	}
}

func TestDefaultHAConfig_IdentityFromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "cellar-server-abc-123")

	cfg := DefaultHAConfig()
	if cfg.Identity != "cellar-server-abc-123" {
		t.Errorf("Identity = %q, want %q", cfg.Identity, "cellar-server-abc-123")
	}
}

func TestHAConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		envs  map[string]string
		check func(t *testing.T, cfg *HAConfig)
	}{
		{
			name: "lock disabled",
			envs: map[string]string{"CELLAR_MIGRATION_LOCK_ENABLED": "false"},
			check: func(t *testing.T, cfg *HAConfig) {
				if cfg.MigrationLockEnabled {
					t.Error("MigrationLockEnabled should be false")
				}
			},
		},
		{
			name: "lock enabled with 1",
			envs: map[string]string{"CELLAR_MIGRATION_LOCK_ENABLED": "1"},
			check: func(t *testing.T, cfg *HAConfig) {
				if !cfg.MigrationLockEnabled {
					t.Error("MigrationLockEnabled should be true")
				}
			},
		},
		{
			name: "custom name and durations",
			envs: map[string]string{
				"CELLAR_MIGRATION_LOCK_NAME":      "cellar-staging",
				"CELLAR_MIGRATION_LOCK_TIMEOUT":   "90",
				"CELLAR_MIGRATION_LOCK_STALE_AGE": "600",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				if cfg.LockName != "cellar-staging" {
					t.Errorf("LockName = %q, want %q", cfg.LockName, "cellar-staging")
				}
				if cfg.LockTimeout != 90*time.Second {
					t.Errorf("LockTimeout = %v, want %v", cfg.LockTimeout, 90*time.Second)
				}
				if cfg.StaleLockAge != 10*time.Minute {
					t.Errorf("StaleLockAge = %v, want %v", cfg.StaleLockAge, 10*time.Minute)
				}
			},
		},
		{
			name: "invalid durations ignored",
			envs: map[string]string{
				"CELLAR_MIGRATION_LOCK_TIMEOUT":   "soon",
				"CELLAR_MIGRATION_LOCK_STALE_AGE": "-1",
			},
			check: func(t *testing.T, cfg *HAConfig) {
				if cfg.LockTimeout != 30*time.Second {
					t.Errorf("LockTimeout = %v, want default", cfg.LockTimeout)
				}
				if cfg.StaleLockAge != 5*time.Minute {
					t.Errorf("StaleLockAge = %v, want default", cfg.StaleLockAge)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envs {
				t.Setenv(k, v)
			}
			tt.check(t, HAConfigFromEnv())
		})
	}
}
