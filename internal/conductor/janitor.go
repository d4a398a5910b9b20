package conductor

import (
	"context"
	"errors"
	"time"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/queue"
)

// janitor repairs drift between the queue and the bead store before the
// scan stages run: stalled tickets go back to queued, zombie tickets are
// completed, orphaned beads reopen, and exhausted tickets fail for good.
func (c *Conductor) janitor(ctx context.Context, cfg *config.Config) {
	if n, err := c.svc.Queue.ReleaseStalled(cfg.Conductor.StallTimeout.Duration); err != nil {
		c.logger.Error("janitor: release stalled", "error", err)
	} else if n > 0 {
		c.logger.Warn("janitor released stalled tickets", "count", n)
	}

	c.reapZombies(ctx)
	c.resetOrphans(ctx, cfg.Conductor.Grace.Duration)

	for _, role := range []string{queue.RoleWorker, queue.RoleGatekeeper} {
		roleCfg, ok := cfg.RoleConfig(role)
		if !ok {
			continue
		}
		if n, err := c.svc.Queue.FailExhausted(role, roleCfg.MaxRetries); err != nil {
			c.logger.Error("janitor: fail exhausted", "role", role, "error", err)
		} else if n > 0 {
			c.logger.Warn("janitor failed exhausted tickets", "role", role, "count", n)
		}
	}
}

// reapZombies completes processing tickets whose bead has already moved
// past the ticket's role. The handler settled the bead but died before
// settling the ticket; completing it with no output finishes the job.
func (c *Conductor) reapZombies(ctx context.Context) {
	processing, err := c.svc.Queue.GetProcessing()
	if err != nil {
		c.logger.Error("janitor: list processing", "error", err)
		return
	}
	for i := range processing {
		tk := &processing[i]
		bead, err := c.svc.Beads.Show(ctx, tk.BeadID)
		if err != nil {
			c.logger.Warn("janitor: zombie check failed", "ticket", tk.ID, "bead", tk.BeadID, "error", err)
			continue
		}

		var past bool
		switch tk.Role {
		case queue.RoleWorker:
			past = bead.Status == beads.StatusVerify || bead.Status == beads.StatusDone
		case queue.RoleGatekeeper:
			past = bead.Status == beads.StatusDone
		}
		if !past {
			continue
		}

		if err := c.svc.Queue.Complete(tk.ID, nil); err != nil {
			if errors.Is(err, queue.ErrNotProcessing) {
				continue
			}
			c.logger.Warn("janitor: complete zombie", "ticket", tk.ID, "error", err)
			continue
		}
		c.logger.Info("janitor completed zombie ticket",
			"ticket", tk.ID, "bead", tk.BeadID, "role", tk.Role, "bead_status", bead.Status)
	}
}

// resetOrphans returns in_progress beads with no active ticket to open.
// The grace window covers the gap between a handler completing its
// ticket and the bead update landing.
func (c *Conductor) resetOrphans(ctx context.Context, grace time.Duration) {
	inProgress, err := c.svc.Beads.List(ctx, beads.ListOptions{Status: beads.StatusInProgress})
	if err != nil {
		c.logger.Error("janitor: list in_progress beads", "error", err)
		return
	}
	for _, b := range inProgress {
		active, err := c.svc.Queue.GetActiveTicket(b.ID)
		if err != nil {
			c.logger.Warn("janitor: orphan check failed", "bead", b.ID, "error", err)
			continue
		}
		if active != nil {
			continue
		}

		last, err := c.svc.Queue.GetLatestCompleted(b.ID)
		if err != nil {
			c.logger.Warn("janitor: orphan check failed", "bead", b.ID, "error", err)
			continue
		}
		if last != nil && time.Since(last.CompletedAt) < grace {
			continue
		}

		err = c.svc.Beads.Update(ctx, b.ID, beads.UpdateOptions{Status: beads.StatusPtr(beads.StatusOpen)})
		if err != nil {
			c.logger.Warn("janitor: reset orphan", "bead", b.ID, "error", err)
			continue
		}
		c.logger.Warn("janitor reset orphaned bead", "bead", b.ID)
	}
}
