package production

import (
	"os"
	"strconv"
	"time"
)

// EngineConfig controls transaction retries, the activation sweep and read
// pagination.
type EngineConfig struct {
	MaxTxRetries       int           // Retries after a serialization failure or deadlock. Default 3.
	ActivationEnabled  bool          // Whether the background activation sweep runs. Default true.
	ActivationInterval time.Duration // How often PLANNED assignments are checked. Default 30s.
	TimelinePageSize   int           // Default timeline page size. Default 50.
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxTxRetries:       3,
		ActivationEnabled:  true,
		ActivationInterval: 30 * time.Second,
		TimelinePageSize:   50,
	}
}

// EngineConfigFromEnv loads config from environment variables.
// CELLAR_TX_MAX_RETRIES, CELLAR_ACTIVATION_ENABLED,
// CELLAR_ACTIVATION_INTERVAL_SECONDS, CELLAR_TIMELINE_PAGE_SIZE
func EngineConfigFromEnv() *EngineConfig {
	cfg := DefaultEngineConfig()

	if v := os.Getenv("CELLAR_TX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxTxRetries = n
		}
	}

	if v := os.Getenv("CELLAR_ACTIVATION_ENABLED"); v != "" {
		cfg.ActivationEnabled, _ = strconv.ParseBool(v)
	}

	if v := os.Getenv("CELLAR_ACTIVATION_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ActivationInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("CELLAR_TIMELINE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimelinePageSize = n
		}
	}

	return cfg
}
