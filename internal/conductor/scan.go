package conductor

import (
	"context"
	"fmt"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/piper"
)

// scanOpen walks the ready set (open beads with all blockers done) and
// dispatches each runnable bead to the worker queue.
func (c *Conductor) scanOpen(ctx context.Context, cfg *config.Config) {
	ready, err := c.svc.Beads.Ready(ctx)
	if err != nil {
		c.logger.Error("scan open: ready set", "error", err)
		return
	}
	for _, b := range ready {
		if err := c.dispatchOpen(ctx, cfg, b); err != nil {
			c.logger.Warn("scan open: dispatch failed", "bead", b.ID, "error", err)
		}
	}
}

func (c *Conductor) dispatchOpen(ctx context.Context, cfg *config.Config, b *beads.Bead) error {
	active, err := c.svc.Queue.GetActiveTicket(b.ID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	// The ready list can be a tick stale; re-read before acting.
	fresh, err := c.svc.Beads.Show(ctx, b.ID)
	if err != nil {
		return err
	}
	if fresh.Status != beads.StatusOpen {
		return nil
	}

	if fresh.HasLabel(beads.LabelRecovery) {
		needed, err := c.recoveryNeeded(ctx, fresh)
		if err != nil {
			return err
		}
		if !needed {
			err := c.svc.Beads.Update(ctx, fresh.ID, beads.UpdateOptions{
				Status:         beads.StatusPtr(beads.StatusDone),
				AcceptanceTest: beads.StringPtr("Recovery not needed: upstream step succeeded."),
			})
			if err != nil {
				return err
			}
			c.logger.Info("recovery bead closed, upstream succeeded", "bead", fresh.ID)
			return nil
		}
	}

	if len(fresh.Context) > 0 {
		if _, err := c.svc.Piper.Resolve(ctx, fresh); err != nil {
			return err
		}
		fresh, err = c.svc.Beads.Show(ctx, fresh.ID)
		if err != nil {
			return err
		}
		if piper.HasUnresolved(fresh.Context) {
			c.deferUnresolved(ctx, cfg, fresh)
			return nil
		}
	}
	delete(c.unresolved, fresh.ID)

	return c.route(ctx, fresh)
}

// recoveryNeeded reports whether any blocker of a recovery bead finished
// with the failed label. When none did, the path it covers succeeded and
// the recovery bead closes without running.
func (c *Conductor) recoveryNeeded(ctx context.Context, b *beads.Bead) (bool, error) {
	for _, dep := range b.Blockers {
		blocker, err := c.svc.Beads.Show(ctx, dep)
		if err != nil {
			return false, err
		}
		if blocker.HasLabel(beads.LabelFailed) {
			return true, nil
		}
	}
	return false, nil
}

// deferUnresolved counts the ticks a bead has waited on {{steps.
// templates. Past the configured limit the bead fails so on_failure
// recovery can fire instead of the molecule hanging forever.
func (c *Conductor) deferUnresolved(ctx context.Context, cfg *config.Config, b *beads.Bead) {
	c.unresolved[b.ID]++
	waited := c.unresolved[b.ID]

	limit := cfg.Conductor.UnresolvedLimit
	if limit <= 0 || waited < limit {
		c.logger.Debug("context unresolved, deferring", "bead", b.ID, "cycles", waited)
		return
	}

	delete(c.unresolved, b.ID)
	reason := fmt.Sprintf("context still unresolved after %d cycles", waited)
	if err := c.tools.FailWork(ctx, b.ID, reason); err != nil {
		c.logger.Error("scan open: give up on unresolved bead", "bead", b.ID, "error", err)
		return
	}
	c.logger.Warn("gave up on unresolved context", "bead", b.ID, "cycles", waited)
}

// scanVerify routes beads awaiting review to the gatekeeper queue. No
// recovery handling or piping happens here.
func (c *Conductor) scanVerify(ctx context.Context) {
	verify, err := c.svc.Beads.List(ctx, beads.ListOptions{Status: beads.StatusVerify})
	if err != nil {
		c.logger.Error("scan verify: list", "error", err)
		return
	}
	for _, b := range verify {
		if err := c.dispatchVerify(ctx, b); err != nil {
			c.logger.Warn("scan verify: dispatch failed", "bead", b.ID, "error", err)
		}
	}
}

func (c *Conductor) dispatchVerify(ctx context.Context, b *beads.Bead) error {
	active, err := c.svc.Queue.GetActiveTicket(b.ID)
	if err != nil {
		return err
	}
	if active != nil {
		return nil
	}

	fresh, err := c.svc.Beads.Show(ctx, b.ID)
	if err != nil {
		return err
	}
	if fresh.Status != beads.StatusVerify {
		return nil
	}

	return c.route(ctx, fresh)
}

// route asks the router for a placement and enqueues the bead there.
func (c *Conductor) route(ctx context.Context, b *beads.Bead) error {
	decision := c.router.Route(b)
	if _, err := c.tools.EnqueueTask(ctx, b.ID, decision.Priority, decision.Role, decision.Reasoning); err != nil {
		return err
	}
	c.logger.Info("bead routed", "bead", b.ID, "status", b.Status, "role", decision.Role, "priority", decision.Priority)
	return nil
}
