package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/citadel-dev/citadel/internal/queue"
)

// runHook is one hook's claim loop. Per cycle: claim, heartbeat while
// the handler runs, settle the ticket. After a productive cycle the
// next claim is immediate; an empty claim sleeps one poll interval.
func (p *Pool) runHook(ctx context.Context, h *hook) {
	defer p.wg.Done()
	logger := p.logger.With("hook", h.id)
	logger.Info("hook started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("hook stopped")
			return
		default:
		}

		ticket, err := p.queue.Claim(h.id, p.role)
		if err != nil {
			logger.Error("claim failed", "error", err)
			sleepCtx(ctx, p.pollInterval)
			continue
		}
		if ticket == nil {
			sleepCtx(ctx, p.pollInterval)
			continue
		}

		h.busy.Store(true)
		p.process(logger, ticket)
		h.busy.Store(false)
	}
}

// process runs the handler for one ticket and settles the outcome.
// Handler errors re-queue the ticket with backoff and never propagate.
// The handler receives a fresh context: shutdown is cooperative, a hook
// exits only between cycles, and the runner bounds the handler with the
// role's own timeout.
func (p *Pool) process(logger *slog.Logger, ticket *queue.Ticket) {
	stop := p.startHeartbeat(logger, ticket.ID)
	defer stop()

	logger.Info("ticket claimed", "ticket", ticket.ID, "bead", ticket.BeadID)
	start := time.Now()

	if err := p.handler.Handle(context.Background(), ticket); err != nil {
		logger.Warn("handler failed, re-queueing",
			"ticket", ticket.ID, "bead", ticket.BeadID, "elapsed", time.Since(start), "error", err)
		if ferr := p.queue.Fail(ticket.ID, false); ferr != nil {
			logger.Error("fail transition failed", "ticket", ticket.ID, "error", ferr)
		}
		return
	}

	// The handler usually completed the ticket itself through
	// submit_work; this settle is for handlers without output.
	if err := p.queue.Complete(ticket.ID, nil); err != nil && !errors.Is(err, queue.ErrNotProcessing) {
		logger.Error("complete failed", "ticket", ticket.ID, "error", err)
		return
	}
	logger.Info("ticket finished", "ticket", ticket.ID, "bead", ticket.BeadID, "elapsed", time.Since(start))
}

// startHeartbeat keeps the ticket's lease fresh until the returned stop
// function runs. Stop is idempotent and safe on every exit path.
func (p *Pool) startHeartbeat(logger *slog.Logger, ticketID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.queue.Heartbeat(ticketID); err != nil {
					logger.Warn("heartbeat failed", "ticket", ticketID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
