package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// extDependency is one dependency edge as bd reports it.
type extDependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

// extBead is a work item in bd's wire shape. bd knows three statuses
// (open, in_progress, closed); verify exists only as a label.
type extBead struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	Type         string          `json:"issue_type"`
	Assignee     string          `json:"assignee"`
	Labels       []string        `json:"labels"`
	ParentID     string          `json:"parent_id"`
	DependsOn    []string        `json:"depends_on"`
	Dependencies []extDependency `json:"dependencies"`
	Acceptance   string          `json:"acceptance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BD shells out to the bd CLI. Calls are serialized; "out of sync" errors
// trigger one auto-sync and retry, transient index errors retry twice.
type BD struct {
	mu       sync.Mutex
	dir      string
	binary   string
	autoSync bool
	logger   *slog.Logger
}

// NewBD wraps the bd binary operating on dir.
func NewBD(dir, binary string, autoSync bool, logger *slog.Logger) *BD {
	if binary == "" {
		binary = "bd"
	}
	return &BD{dir: dir, binary: binary, autoSync: autoSync, logger: logger}
}

var _ Store = (*BD)(nil)

const maxTransientRetries = 2

func (b *BD) run(ctx context.Context, args ...string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runLocked(ctx, args...)
}

func (b *BD) runLocked(ctx context.Context, args ...string) ([]byte, error) {
	synced := false
	transient := 0
	for {
		out, stderr, err := b.execOnce(ctx, args...)
		if err == nil {
			return out, nil
		}
		if strings.Contains(stderr, "split stack overflow") && transient < maxTransientRetries {
			transient++
			continue
		}
		if b.autoSync && !synced && strings.Contains(stderr, "out of sync") {
			synced = true
			b.logger.Info("bead store out of sync, running bd sync")
			if _, syncErr, serr := b.execOnce(ctx, "sync"); serr != nil {
				return nil, b.wrapError([]string{"sync"}, serr, syncErr)
			}
			continue
		}
		return nil, b.wrapError(args, err, stderr)
	}
}

func (b *BD) execOnce(ctx context.Context, args ...string) ([]byte, string, error) {
	path := b.binary
	if !strings.ContainsRune(path, '/') {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q not in PATH", ErrNotInstalled, path)
		}
		path = resolved
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = b.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

func (b *BD) wrapError(args []string, err error, stderr string) error {
	if errors.Is(err, ErrNotInstalled) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "no such") {
		return fmt.Errorf("bd %s: %w", strings.Join(args, " "), ErrNotFound)
	}
	return fmt.Errorf("bd %v failed: %w\nstderr: %s", args, err, strings.TrimSpace(stderr))
}

// Init runs bd init; an already-initialized store is not an error.
func (b *BD) Init(ctx context.Context) error {
	if _, err := b.run(ctx, "init"); err != nil {
		if strings.Contains(err.Error(), "already") {
			return nil
		}
		return fmt.Errorf("initializing bead store: %w", err)
	}
	return nil
}

// Doctor runs bd doctor --json and reports backing-store health.
func (b *BD) Doctor(ctx context.Context) (bool, error) {
	out, err := b.run(ctx, "doctor", "--json")
	if err != nil {
		return false, fmt.Errorf("bead store doctor: %w", err)
	}

	var report struct {
		Healthy bool   `json:"healthy"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(out, &report); err != nil {
		return false, fmt.Errorf("parsing bd doctor output: %w", err)
	}
	return report.Healthy || report.Status == "ok" || report.Status == "healthy", nil
}

// Sync flushes and reloads bd's index.
func (b *BD) Sync(ctx context.Context) error {
	if _, err := b.run(ctx, "sync"); err != nil {
		return fmt.Errorf("syncing bead store: %w", err)
	}
	return nil
}

// Create makes a new bead and returns it. Labels are attached with a
// follow-up update because bd create does not take them.
func (b *BD) Create(ctx context.Context, opts CreateOptions) (*Bead, error) {
	description, err := EmbedContext(opts.Context, opts.Description)
	if err != nil {
		return nil, err
	}

	args := []string{"create", opts.Title, "--json"}
	if opts.Priority != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", opts.Priority))
	}
	if opts.ParentID != "" {
		args = append(args, "--parent", opts.ParentID)
	}
	if opts.Type != "" {
		args = append(args, "--type", opts.Type)
	}
	if description != "" {
		args = append(args, "--description", description)
	}

	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("creating bead: %w", err)
	}

	var ext extBead
	if err := json.Unmarshal(out, &ext); err != nil {
		return nil, fmt.Errorf("parsing bd create output: %w", err)
	}

	if len(opts.Labels) > 0 {
		labelArgs := []string{"update", ext.ID}
		for _, l := range opts.Labels {
			labelArgs = append(labelArgs, "--add-label="+l)
		}
		if _, err := b.run(ctx, labelArgs...); err != nil {
			return nil, fmt.Errorf("labeling bead %s: %w", ext.ID, err)
		}
		ext.Labels = append(ext.Labels, opts.Labels...)
	}

	return fromExternal(&ext), nil
}

// Show fetches one bead by id.
func (b *BD) Show(ctx context.Context, id string) (*Bead, error) {
	out, err := b.run(ctx, "show", id, "--json")
	if err != nil {
		return nil, fmt.Errorf("showing bead %s: %w", id, err)
	}

	ext, err := decodeOne(out)
	if err != nil {
		return nil, fmt.Errorf("parsing bd show output for %s: %w", id, err)
	}
	return fromExternal(ext), nil
}

// List fetches beads, optionally filtered by internal status and label.
func (b *BD) List(ctx context.Context, opts ListOptions) ([]*Bead, error) {
	args := []string{"list"}
	if ext, ok := externalStatus(opts.Status); ok {
		args = append(args, "--status", ext)
	}
	args = append(args, "--json")

	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("listing beads: %w", err)
	}

	var exts []extBead
	if err := json.Unmarshal(out, &exts); err != nil {
		return nil, fmt.Errorf("parsing bd list output: %w", err)
	}

	var result []*Bead
	for i := range exts {
		bead := fromExternal(&exts[i])
		if opts.Status != "" && bead.Status != opts.Status {
			continue
		}
		if opts.Label != "" && !bead.HasLabel(opts.Label) {
			continue
		}
		result = append(result, bead)
	}
	return result, nil
}

// Ready returns open beads whose blockers are all done.
func (b *BD) Ready(ctx context.Context) ([]*Bead, error) {
	out, err := b.run(ctx, "ready", "--json")
	if err != nil {
		return nil, fmt.Errorf("listing ready beads: %w", err)
	}

	var exts []extBead
	if err := json.Unmarshal(out, &exts); err != nil {
		return nil, fmt.Errorf("parsing bd ready output: %w", err)
	}

	result := make([]*Bead, 0, len(exts))
	for i := range exts {
		result = append(result, fromExternal(&exts[i]))
	}
	return result, nil
}

// Update applies a partial update after validating the status transition.
func (b *BD) Update(ctx context.Context, id string, opts UpdateOptions) error {
	if opts.empty() {
		return nil
	}

	cur, err := b.Show(ctx, id)
	if err != nil {
		return err
	}
	if err := validateUpdate(cur, &opts); err != nil {
		return err
	}

	args, err := updateArgs(cur, &opts)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}

	if _, err := b.run(ctx, append([]string{"update", id}, args...)...); err != nil {
		return fmt.Errorf("updating bead %s: %w", id, err)
	}
	return nil
}

// AddDependency makes child depend on parent via bd dep add.
func (b *BD) AddDependency(ctx context.Context, childID, parentID string) error {
	if _, err := b.run(ctx, "dep", "add", childID, parentID); err != nil {
		return fmt.Errorf("adding dependency %s -> %s: %w", childID, parentID, err)
	}
	return nil
}

// updateArgs translates a validated partial update into bd update flags,
// including the verify-label projection for status changes.
func updateArgs(cur *Bead, opts *UpdateOptions) ([]string, error) {
	var args []string
	addLabels := append([]string(nil), opts.AddLabels...)
	removeLabels := append([]string(nil), opts.RemoveLabels...)

	if opts.Status != nil && *opts.Status != cur.Status {
		switch *opts.Status {
		case StatusOpen:
			args = append(args, "--status=open")
		case StatusInProgress:
			args = append(args, "--status=in_progress")
		case StatusVerify:
			args = append(args, "--status=in_progress")
			addLabels = append(addLabels, labelVerify)
		case StatusDone:
			args = append(args, "--status=closed")
		}
		if cur.Status == StatusVerify && *opts.Status != StatusVerify {
			removeLabels = append(removeLabels, labelVerify)
		}
	}

	if opts.Priority != nil {
		args = append(args, "-p", fmt.Sprintf("%d", *opts.Priority))
	}
	if opts.Assignee != nil {
		args = append(args, "--assignee="+*opts.Assignee)
	}
	if opts.AcceptanceTest != nil {
		args = append(args, "--acceptance="+*opts.AcceptanceTest)
	}

	if opts.Description != nil || opts.Context != nil {
		plain := cur.Description
		if opts.Description != nil {
			plain = *opts.Description
		}
		ctx := cur.Context
		if opts.Context != nil {
			ctx = opts.Context
		}
		composed, err := EmbedContext(ctx, plain)
		if err != nil {
			return nil, err
		}
		args = append(args, "--description="+composed)
	}

	for _, l := range addLabels {
		args = append(args, "--add-label="+l)
	}
	for _, l := range removeLabels {
		if cur.HasLabel(l) || (l == labelVerify && cur.Status == StatusVerify) {
			args = append(args, "--remove-label="+l)
		}
	}

	return args, nil
}

// fromExternal projects a bd wire bead into the internal model: closed
// becomes done, in_progress splits on the verify label, the verify label
// itself is stripped, and context is lifted out of the description.
func fromExternal(e *extBead) *Bead {
	status := StatusOpen
	hasVerify := false
	for _, l := range e.Labels {
		if l == labelVerify {
			hasVerify = true
			break
		}
	}
	switch e.Status {
	case "closed", "done":
		status = StatusDone
	case "in_progress":
		if hasVerify {
			status = StatusVerify
		} else {
			status = StatusInProgress
		}
	case "open":
		status = StatusOpen
	}

	labels := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels {
		if l != labelVerify {
			labels = append(labels, l)
		}
	}

	blockers := append([]string(nil), e.DependsOn...)
	if len(blockers) == 0 {
		for _, dep := range e.Dependencies {
			if dep.Type == "blocks" {
				blockers = append(blockers, dep.DependsOnID)
			}
		}
	}

	ctx, plain := ExtractContext(e.Description)

	return &Bead{
		ID:             e.ID,
		Title:          e.Title,
		Description:    plain,
		Status:         status,
		Priority:       e.Priority,
		Assignee:       e.Assignee,
		Labels:         labels,
		Blockers:       blockers,
		AcceptanceTest: e.Acceptance,
		ParentID:       e.ParentID,
		Type:           e.Type,
		Context:        ctx,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// externalStatus maps an internal status filter onto bd's status set.
// verify has no external status of its own; both verify and in_progress
// list external in_progress and are narrowed after projection.
func externalStatus(s Status) (string, bool) {
	switch s {
	case StatusOpen:
		return "open", true
	case StatusInProgress, StatusVerify:
		return "in_progress", true
	case StatusDone:
		return "closed", true
	}
	return "", false
}

// decodeOne parses bd show output, which may be a single object or a
// one-element array depending on bd version.
func decodeOne(out []byte) (*extBead, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var exts []extBead
		if err := json.Unmarshal(trimmed, &exts); err != nil {
			return nil, err
		}
		if len(exts) == 0 {
			return nil, ErrNotFound
		}
		return &exts[0], nil
	}

	var ext extBead
	if err := json.Unmarshal(trimmed, &ext); err != nil {
		return nil, err
	}
	return &ext, nil
}
