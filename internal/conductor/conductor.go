// Package conductor implements the tick loop that observes beads,
// repairs drift between the queue and the bead store, routes runnable
// work, and sizes the role pools.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citadel-dev/citadel/internal/pool"
	"github.com/citadel-dev/citadel/internal/registry"
	"github.com/citadel-dev/citadel/internal/tools"
)

// Conductor runs the orchestration cycle. It owns no state beyond the
// unresolved-context counters; everything it decides is re-derived from
// the queue and the bead store each tick, so a restart loses nothing.
type Conductor struct {
	svc    *registry.Services
	tools  *tools.Toolset
	router Router
	pools  map[string]*pool.Pool
	logger *slog.Logger

	// Ticks a bead has spent waiting on {{steps. templates. Only the
	// run goroutine touches this.
	unresolved map[string]int
}

// New builds a conductor over the given role pools. Pools may be empty;
// autoscaling skips roles it has no pool for.
func New(svc *registry.Services, ts *tools.Toolset, pools map[string]*pool.Pool, logger *slog.Logger) *Conductor {
	return &Conductor{
		svc:        svc,
		tools:      ts,
		router:     RuleRouter{},
		pools:      pools,
		logger:     logger.With("component", "conductor"),
		unresolved: make(map[string]int),
	}
}

// SetRouter swaps the routing strategy. Call before Run.
func (c *Conductor) SetRouter(r Router) {
	c.router = r
}

// Run blocks until ctx is cancelled, ticking at the configured
// interval. It refuses to run when the bead store reports unhealthy.
func (c *Conductor) Run(ctx context.Context) error {
	if err := c.CheckStore(ctx); err != nil {
		return err
	}

	interval := c.svc.Config.Get().Conductor.TickInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c.logger.Info("conductor started", "tick_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("conductor stopping")
			return nil
		case <-ticker.C:
			c.tick(ctx)
			// Re-read interval in case config was hot-reloaded.
			newInterval := c.svc.Config.Get().Conductor.TickInterval.Duration
			if newInterval > 0 && newInterval != interval {
				ticker.Reset(newInterval)
				interval = newInterval
				c.logger.Info("tick interval changed", "tick_interval", interval)
			}
		}
	}
}

// TickOnce runs the health gate and a single cycle, for start --once.
func (c *Conductor) TickOnce(ctx context.Context) error {
	if err := c.CheckStore(ctx); err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

// CheckStore verifies the bead store is healthy. Run and TickOnce gate
// on it, and callers starting hook pools alongside the conductor should
// run it first so no hook claims tickets against a store the conductor
// will refuse.
func (c *Conductor) CheckStore(ctx context.Context) error {
	healthy, err := c.svc.Beads.Doctor(ctx)
	if err != nil {
		return fmt.Errorf("conductor: doctor: %w", err)
	}
	if !healthy {
		return fmt.Errorf("conductor: bead store unhealthy, refusing to start")
	}
	return nil
}

// tick performs one full cycle: repair, scan open, scan verify, scale.
// A tick never raises; every failure is logged and the next stage runs.
func (c *Conductor) tick(ctx context.Context) {
	cfg := c.svc.Config.Get()
	c.janitor(ctx, cfg)
	c.scanOpen(ctx, cfg)
	c.scanVerify(ctx)
	c.autoscale(cfg)
}
