package production

import (
	"context"
	"log/slog"
	"time"
)

// Activator periodically starts PLANNED assignments whose window has begun.
type Activator struct {
	engine *Engine
	cfg    *EngineConfig
	logger *slog.Logger
}

// NewActivator creates an activation loop for engine.
func NewActivator(engine *Engine, cfg *EngineConfig, logger *slog.Logger) *Activator {
	if cfg == nil {
		cfg = engine.Config()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{engine: engine, cfg: cfg, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is
// cancelled.
func (a *Activator) Run(ctx context.Context) {
	if !a.cfg.ActivationEnabled {
		a.logger.Info("assignment activation disabled")
		return
	}

	a.logger.Info("assignment activation starting", "interval", a.cfg.ActivationInterval.String())
	a.sweep(ctx)

	ticker := time.NewTicker(a.cfg.ActivationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("assignment activation stopped")
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Activator) sweep(ctx context.Context) {
	n, err := a.engine.ActivateDue(ctx, a.engine.clock())
	if err != nil {
		a.logger.Error("assignment activation failed", "error", err, "activated", n)
		return
	}
	if n > 0 {
		a.logger.Info("activated due assignments", "count", n)
	}
}
