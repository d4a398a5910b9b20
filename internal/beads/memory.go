package beads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same contract as BD. It backs
// tests and keeps the projection-free internal model directly.
type Memory struct {
	mu      sync.RWMutex
	beads   map[string]*Bead
	nextID  int
	healthy bool
	clock   func() time.Time
}

// NewMemory returns an empty, healthy in-memory store.
func NewMemory() *Memory {
	return &Memory{
		beads:   make(map[string]*Bead),
		healthy: true,
		clock:   time.Now,
	}
}

var _ Store = (*Memory)(nil)

// SetHealthy controls what Doctor reports (test hook).
func (m *Memory) SetHealthy(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	m.mu.Unlock()
}

// SetClock replaces the timestamp source (test hook).
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	m.clock = clock
	m.mu.Unlock()
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) Doctor(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy, nil
}

func (m *Memory) Sync(ctx context.Context) error { return nil }

func (m *Memory) Create(ctx context.Context, opts CreateOptions) (*Bead, error) {
	if opts.Title == "" {
		return nil, fmt.Errorf("bead title is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.clock()
	b := &Bead{
		ID:          fmt.Sprintf("mem-%03d", m.nextID),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      StatusOpen,
		Priority:    opts.Priority,
		Labels:      append([]string(nil), opts.Labels...),
		ParentID:    opts.ParentID,
		Type:        opts.Type,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Context != nil {
		b.Context = cloneValue(opts.Context).(map[string]any)
	}
	m.beads[b.ID] = b
	return b.Clone(), nil
}

func (m *Memory) Show(ctx context.Context, id string) (*Bead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.beads[id]
	if !ok {
		return nil, fmt.Errorf("bead %s: %w", id, ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]*Bead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bead
	for _, b := range m.beads {
		if opts.Status != "" && b.Status != opts.Status {
			continue
		}
		if opts.Label != "" && !b.HasLabel(opts.Label) {
			continue
		}
		result = append(result, b.Clone())
	}
	sortBeads(result)
	return result, nil
}

func (m *Memory) Ready(ctx context.Context) ([]*Bead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bead
	for _, b := range m.beads {
		if b.Status != StatusOpen {
			continue
		}
		if m.blockedLocked(b) {
			continue
		}
		result = append(result, b.Clone())
	}
	sortBeads(result)
	return result, nil
}

func (m *Memory) blockedLocked(b *Bead) bool {
	for _, dep := range b.Blockers {
		blocker, ok := m.beads[dep]
		if !ok {
			return true
		}
		if blocker.Status != StatusDone {
			return true
		}
	}
	return false
}

func (m *Memory) Update(ctx context.Context, id string, opts UpdateOptions) error {
	if opts.empty() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.beads[id]
	if !ok {
		return fmt.Errorf("bead %s: %w", id, ErrNotFound)
	}
	if err := validateUpdate(b, &opts); err != nil {
		return err
	}

	if opts.Status != nil {
		b.Status = *opts.Status
	}
	if opts.Priority != nil {
		b.Priority = *opts.Priority
	}
	if opts.Description != nil {
		b.Description = *opts.Description
	}
	if opts.Assignee != nil {
		b.Assignee = *opts.Assignee
	}
	if opts.AcceptanceTest != nil {
		b.AcceptanceTest = *opts.AcceptanceTest
	}
	for _, l := range opts.AddLabels {
		if !b.HasLabel(l) {
			b.Labels = append(b.Labels, l)
		}
	}
	for _, l := range opts.RemoveLabels {
		b.Labels = removeLabel(b.Labels, l)
	}
	if opts.Context != nil {
		if len(opts.Context) == 0 {
			b.Context = nil
		} else {
			b.Context = cloneValue(opts.Context).(map[string]any)
		}
	}
	b.UpdatedAt = m.clock()
	return nil
}

func (m *Memory) AddDependency(ctx context.Context, childID, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	child, ok := m.beads[childID]
	if !ok {
		return fmt.Errorf("bead %s: %w", childID, ErrNotFound)
	}
	if _, ok := m.beads[parentID]; !ok {
		return fmt.Errorf("bead %s: %w", parentID, ErrNotFound)
	}
	for _, dep := range child.Blockers {
		if dep == parentID {
			return nil
		}
	}
	child.Blockers = append(child.Blockers, parentID)
	child.UpdatedAt = m.clock()
	return nil
}

func removeLabel(labels []string, name string) []string {
	result := labels[:0]
	for _, l := range labels {
		if l != name {
			result = append(result, l)
		}
	}
	return result
}

func sortBeads(beads []*Bead) {
	sort.Slice(beads, func(i, j int) bool {
		if !beads[i].CreatedAt.Equal(beads[j].CreatedAt) {
			return beads[i].CreatedAt.Before(beads[j].CreatedAt)
		}
		return beads[i].ID < beads[j].ID
	})
}
