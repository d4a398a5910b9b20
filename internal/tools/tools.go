// Package tools implements the closed set of operations agents may call
// against the engine.
//
// Agents never touch the queue or the bead store directly; every side
// effect flows through one of these tools so the invariants (one active
// ticket per bead, queue-then-beads completion order, transition rules)
// are enforced in exactly one place.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/formula"
	"github.com/citadel-dev/citadel/internal/queue"
	"github.com/citadel-dev/citadel/internal/registry"
)

// Submit statuses returned by SubmitWork.
const (
	SubmitAccepted   = "submitted"
	SubmitIdempotent = "already submitted"
	SubmitRecovered  = "recovered"
)

// ErrNoActiveTicket means submit_work found neither an active ticket
// nor a recoverable crash state for the bead.
var ErrNoActiveTicket = errors.New("no active ticket for bead")

// ValidationError marks a rejected tool call: bad argument, unknown
// bead, or a violated precondition.
type ValidationError struct {
	Tool   Tool
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

func validationErr(tool Tool, format string, args ...any) error {
	return &ValidationError{Tool: tool, Reason: fmt.Sprintf(format, args...)}
}

// Toolset executes agent tool calls against the shared services.
type Toolset struct {
	svc    *registry.Services
	logger *slog.Logger
}

// New returns a Toolset over the given services.
func New(svc *registry.Services) *Toolset {
	return &Toolset{svc: svc, logger: svc.Logger.With("component", "tools")}
}

// EnqueueTask verifies the bead exists and has no active ticket, then
// enqueues a ticket for the target role. Returns the new ticket id.
func (t *Toolset) EnqueueTask(ctx context.Context, beadID string, priority int, targetRole, reasoning string) (string, error) {
	if beadID == "" {
		return "", validationErr(ToolEnqueueTask, "beadId is required")
	}
	if targetRole != queue.RoleWorker && targetRole != queue.RoleGatekeeper {
		return "", validationErr(ToolEnqueueTask, "targetRole must be worker or gatekeeper, got %q", targetRole)
	}
	if priority < 0 || priority > 3 {
		return "", validationErr(ToolEnqueueTask, "priority must be 0..3, got %d", priority)
	}

	if _, err := t.svc.Beads.Show(ctx, beadID); err != nil {
		if errors.Is(err, beads.ErrNotFound) {
			return "", validationErr(ToolEnqueueTask, "unknown bead %s", beadID)
		}
		return "", fmt.Errorf("enqueue_task: show %s: %w", beadID, err)
	}

	active, err := t.svc.Queue.GetActiveTicket(beadID)
	if err != nil {
		return "", fmt.Errorf("enqueue_task: active ticket for %s: %w", beadID, err)
	}
	if active != nil {
		return "", validationErr(ToolEnqueueTask, "bead %s already has an active ticket %s", beadID, active.ID)
	}

	ticketID, err := t.svc.Queue.Enqueue(beadID, priority, targetRole)
	if err != nil {
		return "", fmt.Errorf("enqueue_task: %w", err)
	}
	t.logger.Info("ticket enqueued",
		"bead", beadID, "ticket", ticketID, "role", targetRole, "priority", priority, "reasoning", reasoning)
	return ticketID, nil
}

// InstantiateFormula expands a formula into a bead molecule.
func (t *Toolset) InstantiateFormula(ctx context.Context, name string, variables map[string]string, parentID string) (*formula.Molecule, error) {
	if name == "" {
		return nil, validationErr(ToolInstantiateFormula, "formulaName is required")
	}
	mol, err := t.svc.Instantiator.Instantiate(ctx, name, variables, parentID)
	if err != nil {
		return nil, err
	}
	return mol, nil
}

// SubmitWork records a worker's finished work. The queue is updated
// before the bead so a crash between the two is recoverable:
//
//   - active ticket present: complete it with the output (or a summary
//     wrapper), then move the bead to verify;
//   - no active ticket, bead already in verify or done: idempotent
//     success;
//   - no active ticket, a completed output exists and the bead is still
//     in_progress: the previous call crashed after completing the
//     ticket, so just move the bead to verify;
//   - anything else: ErrNoActiveTicket.
func (t *Toolset) SubmitWork(ctx context.Context, beadID, summary string, output map[string]any, acceptanceResult string) (string, error) {
	if beadID == "" {
		return "", validationErr(ToolSubmitWork, "beadId is required")
	}

	active, err := t.svc.Queue.GetActiveTicket(beadID)
	if err != nil {
		return "", fmt.Errorf("submit_work: active ticket for %s: %w", beadID, err)
	}

	if active == nil {
		bead, err := t.svc.Beads.Show(ctx, beadID)
		if err != nil {
			return "", fmt.Errorf("submit_work: show %s: %w", beadID, err)
		}
		switch bead.Status {
		case beads.StatusVerify, beads.StatusDone:
			t.logger.Info("submit_work repeated, nothing to do", "bead", beadID, "status", bead.Status)
			return SubmitIdempotent, nil
		case beads.StatusInProgress:
			stored, err := t.svc.Queue.GetOutput(beadID)
			if err != nil {
				return "", fmt.Errorf("submit_work: stored output for %s: %w", beadID, err)
			}
			if stored != nil {
				if err := t.svc.Beads.Update(ctx, beadID, beads.UpdateOptions{Status: beads.StatusPtr(beads.StatusVerify)}); err != nil {
					return "", fmt.Errorf("submit_work: recover %s: %w", beadID, err)
				}
				t.logger.Warn("submit_work recovered a crashed submission", "bead", beadID)
				return SubmitRecovered, nil
			}
		}
		return "", fmt.Errorf("submit_work: bead %s: %w", beadID, ErrNoActiveTicket)
	}

	payload := make(map[string]any, len(output)+2)
	for k, v := range output {
		payload[k] = v
	}
	if len(output) == 0 {
		payload["summary"] = summary
	}
	if acceptanceResult != "" {
		payload["acceptance_test_result"] = acceptanceResult
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("submit_work: encode output: %w", err)
	}

	if err := t.svc.Queue.Complete(active.ID, raw); err != nil {
		return "", fmt.Errorf("submit_work: %w", err)
	}
	if err := t.svc.Beads.Update(ctx, beadID, beads.UpdateOptions{Status: beads.StatusPtr(beads.StatusVerify)}); err != nil {
		return "", fmt.Errorf("submit_work: move %s to verify: %w", beadID, err)
	}
	t.logger.Info("work submitted", "bead", beadID, "ticket", active.ID)
	return SubmitAccepted, nil
}

// ApproveWork closes a verified bead: status done with the acceptance
// test recorded in the same update.
func (t *Toolset) ApproveWork(ctx context.Context, beadID string, acceptanceTest []string, comment string) error {
	if beadID == "" {
		return validationErr(ToolApproveWork, "beadId is required")
	}
	joined := strings.TrimSpace(strings.Join(acceptanceTest, "\n"))
	if joined == "" {
		return validationErr(ToolApproveWork, "acceptance_test is required to approve")
	}

	opts := beads.UpdateOptions{
		Status:         beads.StatusPtr(beads.StatusDone),
		AcceptanceTest: beads.StringPtr(joined),
	}
	if err := t.svc.Beads.Update(ctx, beadID, opts); err != nil {
		return fmt.Errorf("approve_work: %w", err)
	}
	t.logger.Info("work approved", "bead", beadID, "comment", comment)
	return nil
}

// RejectWork sends a bead back to open with the rejected label. The
// reason is appended to the description so the next worker sees it.
func (t *Toolset) RejectWork(ctx context.Context, beadID, reason string) error {
	if beadID == "" {
		return validationErr(ToolRejectWork, "beadId is required")
	}
	opts := beads.UpdateOptions{
		Status:    beads.StatusPtr(beads.StatusOpen),
		AddLabels: []string{beads.LabelRejected},
	}
	if reason != "" {
		if desc, err := t.appendNote(ctx, beadID, "Rejected", reason); err == nil {
			opts.Description = beads.StringPtr(desc)
		}
	}
	if err := t.svc.Beads.Update(ctx, beadID, opts); err != nil {
		return fmt.Errorf("reject_work: %w", err)
	}
	t.logger.Info("work rejected", "bead", beadID, "reason", reason)
	return nil
}

// FailWork terminates a bead as failed: status done plus the failed
// label, which waives the acceptance test requirement.
func (t *Toolset) FailWork(ctx context.Context, beadID, reason string) error {
	if beadID == "" {
		return validationErr(ToolFailWork, "beadId is required")
	}
	opts := beads.UpdateOptions{
		Status:    beads.StatusPtr(beads.StatusDone),
		AddLabels: []string{beads.LabelFailed},
	}
	if reason != "" {
		if desc, err := t.appendNote(ctx, beadID, "Failed", reason); err == nil {
			opts.Description = beads.StringPtr(desc)
		}
	}
	if err := t.svc.Beads.Update(ctx, beadID, opts); err != nil {
		return fmt.Errorf("fail_work: %w", err)
	}
	t.logger.Warn("work failed", "bead", beadID, "reason", reason)
	return nil
}

// DelegateTask creates a child bead under a parent.
func (t *Toolset) DelegateTask(ctx context.Context, parentID, title string, priority int, description string, tags []string) (string, error) {
	if parentID == "" || title == "" {
		return "", validationErr(ToolDelegateTask, "parentBeadId and title are required")
	}
	if priority < 0 || priority > 3 {
		return "", validationErr(ToolDelegateTask, "priority must be 0..3, got %d", priority)
	}
	if _, err := t.svc.Beads.Show(ctx, parentID); err != nil {
		if errors.Is(err, beads.ErrNotFound) {
			return "", validationErr(ToolDelegateTask, "unknown parent bead %s", parentID)
		}
		return "", fmt.Errorf("delegate_task: show %s: %w", parentID, err)
	}

	bead, err := t.svc.Beads.Create(ctx, beads.CreateOptions{
		Title:       title,
		Description: description,
		Priority:    priority,
		ParentID:    parentID,
		Type:        "task",
		Labels:      tags,
	})
	if err != nil {
		return "", fmt.Errorf("delegate_task: %w", err)
	}
	t.logger.Info("task delegated", "parent", parentID, "bead", bead.ID)
	return bead.ID, nil
}

// appendNote returns the bead's description with a note paragraph
// appended.
func (t *Toolset) appendNote(ctx context.Context, beadID, kind, text string) (string, error) {
	bead, err := t.svc.Beads.Show(ctx, beadID)
	if err != nil {
		return "", err
	}
	note := kind + ": " + text
	if bead.Description == "" {
		return note, nil
	}
	return bead.Description + "\n\n" + note, nil
}
