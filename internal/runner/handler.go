package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/pool"
	"github.com/citadel-dev/citadel/internal/queue"
	"github.com/citadel-dev/citadel/internal/registry"
	"github.com/citadel-dev/citadel/internal/tools"
)

// Runner owns the role handlers that bridge claimed tickets to agent
// invocations. Handler errors propagate to the hook, which re-queues
// the ticket with backoff.
type Runner struct {
	svc      *registry.Services
	tools    *tools.Toolset
	backends map[string]Backend
	logger   *slog.Logger
}

// New builds a runner with the standard backends. The docker backend is
// optional; when the client cannot be constructed the runner carries on
// headless-only and docker-configured roles fail at invocation time.
func New(svc *registry.Services, ts *tools.Toolset, logger *slog.Logger) *Runner {
	r := &Runner{
		svc:      svc,
		tools:    ts,
		backends: make(map[string]Backend),
		logger:   logger.With("component", "runner"),
	}
	r.backends[BackendHeadless] = NewHeadless(logger)
	if docker, err := NewDocker(logger); err != nil {
		r.logger.Warn("docker backend unavailable", "error", err)
	} else {
		r.backends[BackendDocker] = docker
	}
	return r
}

// SetBackend installs or replaces a backend. Tests script agents
// through this seam.
func (r *Runner) SetBackend(name string, b Backend) {
	r.backends[name] = b
}

// WorkerHandler returns the pool handler that drives the worker agent.
func (r *Runner) WorkerHandler() pool.Handler {
	return pool.HandlerFunc(r.handleWorker)
}

// GatekeeperHandler returns the pool handler that drives the gatekeeper
// agent.
func (r *Runner) GatekeeperHandler() pool.Handler {
	return pool.HandlerFunc(r.handleGatekeeper)
}

// handleWorker takes an open or in_progress bead through one agent run
// and submits the result. The bead moves open→in_progress here, before
// the agent starts, so the janitor can spot orphaned work.
func (r *Runner) handleWorker(ctx context.Context, ticket *queue.Ticket) error {
	bead, err := r.svc.Beads.Show(ctx, ticket.BeadID)
	if err != nil {
		return fmt.Errorf("runner: worker: show %s: %w", ticket.BeadID, err)
	}

	switch bead.Status {
	case beads.StatusVerify, beads.StatusDone:
		r.logger.Info("bead already advanced, nothing to do", "bead", bead.ID, "status", bead.Status)
		return nil
	case beads.StatusOpen:
		err := r.svc.Beads.Update(ctx, bead.ID, beads.UpdateOptions{
			Status:   beads.StatusPtr(beads.StatusInProgress),
			Assignee: beads.StringPtr(ticket.AssigneeID),
		})
		if err != nil {
			return fmt.Errorf("runner: worker: start %s: %w", bead.ID, err)
		}
	case beads.StatusInProgress:
		// A previous run crashed or stalled; the agent runs again and
		// submit_work reconciles whatever survived.
	}

	agent, backend, roleCfg, err := r.agentFor(queue.RoleWorker)
	if err != nil {
		return err
	}

	raw, err := r.invoke(ctx, backend, roleCfg.Timeout.Duration, Invocation{
		Role:   queue.RoleWorker,
		BeadID: bead.ID,
		Prompt: workerPrompt(bead, agent),
		Agent:  agent,
	})
	if err != nil {
		return err
	}

	report, err := parseWorkerReport(raw)
	if err != nil {
		return err
	}

	r.runToolCalls(ctx, bead.ID, agent, report.ToolCalls)

	status, err := r.tools.SubmitWork(ctx, bead.ID, report.Summary, report.Output, report.AcceptanceTestResult)
	if err != nil {
		return fmt.Errorf("runner: submit work for %s: %w", bead.ID, err)
	}
	r.logger.Info("work submitted", "bead", bead.ID, "status", status)
	return nil
}

// runToolCalls dispatches the tool invocations an agent requested in its
// report, restricted to the role's configured tool list. Failures are
// logged and do not fail the ticket; the submitted work stands on its
// own.
func (r *Runner) runToolCalls(ctx context.Context, beadID string, agent config.Agent, calls []toolCall) {
	for _, call := range calls {
		if !toolAllowed(agent.McpTools, call.Tool) {
			r.logger.Warn("tool call not in role's tool list, skipping",
				"bead", beadID, "tool", call.Tool)
			continue
		}
		res := r.tools.Dispatch(ctx, tools.Tool(call.Tool), call.Args)
		if ok, _ := res["success"].(bool); !ok {
			r.logger.Warn("tool call failed",
				"bead", beadID, "tool", call.Tool, "error", res["error"])
			continue
		}
		r.logger.Info("tool call executed", "bead", beadID, "tool", call.Tool)
	}
}

func toolAllowed(allowed []string, name string) bool {
	for _, t := range allowed {
		if t == name {
			return true
		}
	}
	return false
}

// handleGatekeeper reviews a bead in verify and settles it through the
// approve, reject, or fail tool.
func (r *Runner) handleGatekeeper(ctx context.Context, ticket *queue.Ticket) error {
	bead, err := r.svc.Beads.Show(ctx, ticket.BeadID)
	if err != nil {
		return fmt.Errorf("runner: gatekeeper: show %s: %w", ticket.BeadID, err)
	}

	if bead.Status != beads.StatusVerify {
		// The bead moved while the ticket waited. Completing the ticket
		// is harmless; the conductor re-routes when verify comes back.
		r.logger.Info("bead not in verify, skipping review", "bead", bead.ID, "status", bead.Status)
		return nil
	}

	submitted, err := r.svc.Queue.GetOutput(bead.ID)
	if err != nil {
		return fmt.Errorf("runner: gatekeeper: load submitted work for %s: %w", bead.ID, err)
	}

	agent, backend, roleCfg, err := r.agentFor(queue.RoleGatekeeper)
	if err != nil {
		return err
	}

	raw, err := r.invoke(ctx, backend, roleCfg.Timeout.Duration, Invocation{
		Role:   queue.RoleGatekeeper,
		BeadID: bead.ID,
		Prompt: gatekeeperPrompt(bead, submitted, agent),
		Agent:  agent,
	})
	if err != nil {
		return err
	}

	verdict, err := parseGateVerdict(raw)
	if err != nil {
		return err
	}

	switch verdict.Verdict {
	case "approve":
		if err := r.tools.ApproveWork(ctx, bead.ID, verdict.acceptanceLines(), verdict.Comment); err != nil {
			return fmt.Errorf("runner: approve %s: %w", bead.ID, err)
		}
	case "reject":
		if err := r.tools.RejectWork(ctx, bead.ID, verdict.reasonText()); err != nil {
			return fmt.Errorf("runner: reject %s: %w", bead.ID, err)
		}
	case "fail":
		if err := r.tools.FailWork(ctx, bead.ID, verdict.reasonText()); err != nil {
			return fmt.Errorf("runner: fail %s: %w", bead.ID, err)
		}
	default:
		return fmt.Errorf("runner: unrecognized verdict %q for %s. Output:\n%s", verdict.Verdict, bead.ID, truncate(raw, 500))
	}

	r.logger.Info("review settled", "bead", bead.ID, "verdict", verdict.Verdict)
	return nil
}

// agentFor resolves the agent, backend, and pool settings for a role
// from live configuration.
func (r *Runner) agentFor(role string) (config.Agent, Backend, config.Role, error) {
	cfg := r.svc.Config.Get()

	agent, ok := cfg.Agents[role]
	if !ok {
		return config.Agent{}, nil, config.Role{}, fmt.Errorf("runner: no agent configured for role %s", role)
	}
	backend, ok := r.backends[agent.Backend]
	if !ok {
		return config.Agent{}, nil, config.Role{}, fmt.Errorf("runner: backend %q for role %s is not available", agent.Backend, role)
	}
	roleCfg, ok := cfg.RoleConfig(role)
	if !ok {
		return config.Agent{}, nil, config.Role{}, fmt.Errorf("runner: role %s has no pool configuration", role)
	}
	return agent, backend, roleCfg, nil
}

// invoke runs the agent under the role's timeout.
func (r *Runner) invoke(ctx context.Context, backend Backend, timeout time.Duration, inv Invocation) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := backend.Run(ctx, inv)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("agent run failed", "role", inv.Role, "bead", inv.BeadID,
			"backend", backend.Name(), "elapsed", elapsed, "error", err)
		return raw, err
	}
	r.logger.Debug("agent run finished", "role", inv.Role, "bead", inv.BeadID,
		"backend", backend.Name(), "elapsed", elapsed)
	return raw, nil
}
