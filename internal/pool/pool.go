// Package pool runs the hook goroutines that pull tickets for one role.
//
// A pool owns a resizable set of hooks. Each hook is one claim loop:
// take the next ticket for the role, keep its heartbeat fresh, run the
// role handler, settle the ticket. The conductor resizes pools against
// queue depth; hooks added while the pool is stopped launch when it
// starts.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/queue"
)

// Handler processes one claimed ticket. A nil error settles the ticket
// as completed; an error re-queues it with backoff.
type Handler interface {
	Handle(ctx context.Context, ticket *queue.Ticket) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ticket *queue.Ticket) error

func (f HandlerFunc) Handle(ctx context.Context, ticket *queue.Ticket) error {
	return f(ctx, ticket)
}

type hook struct {
	id     string
	cancel context.CancelFunc
	busy   atomic.Bool
}

// Pool manages the hooks for one role.
type Pool struct {
	role    string
	queue   *queue.Queue
	handler Handler
	logger  *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	hooks   map[string]*hook
	counter int
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a pool for role with no hooks. Call Resize to set the
// hook count and Start to launch.
func New(role string, q *queue.Queue, handler Handler, cfg config.Role, logger *slog.Logger) *Pool {
	return &Pool{
		role:              role,
		queue:             q,
		handler:           handler,
		logger:            logger.With("component", "pool", "role", role),
		pollInterval:      cfg.PollInterval.Duration,
		heartbeatInterval: cfg.HeartbeatInterval.Duration,
		hooks:             make(map[string]*hook),
	}
}

// Start launches the current hook set. Hooks added later by Resize
// launch immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	for _, h := range p.hooks {
		p.launchLocked(h)
	}
	p.logger.Info("pool started", "hooks", len(p.hooks))
}

// Stop signals every hook and waits for them to finish their current
// cycle. Handlers in flight run to completion.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("pool stopped")
}

// Size returns the current hook count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hooks)
}

// Resize grows or shrinks the hook set to n. Growth spawns hooks (live
// immediately when the pool is started); shrink removes idle hooks
// before busy ones, and a removed busy hook exits after its current
// handler returns.
func (p *Pool) Resize(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.hooks) == n {
		return
	}
	p.logger.Info("resizing pool", "from", len(p.hooks), "to", n)

	for len(p.hooks) < n {
		p.counter++
		h := &hook{id: fmt.Sprintf("%s-%d", p.role, p.counter)}
		p.hooks[h.id] = h
		if p.started {
			p.launchLocked(h)
		}
	}

	if excess := len(p.hooks) - n; excess > 0 {
		var idle, busy []*hook
		for _, h := range p.hooks {
			if h.busy.Load() {
				busy = append(busy, h)
			} else {
				idle = append(idle, h)
			}
		}
		victims := append(idle, busy...)
		for _, h := range victims[:excess] {
			delete(p.hooks, h.id)
			if h.cancel != nil {
				h.cancel()
			}
		}
	}
}

func (p *Pool) launchLocked(h *hook) {
	hctx, cancel := context.WithCancel(p.ctx)
	h.cancel = cancel
	p.wg.Add(1)
	go p.runHook(hctx, h)
}
