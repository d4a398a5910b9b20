// Package beads models Citadel work items and the store that persists them.
//
// The canonical backing store is the external bd CLI, wrapped by BD. Memory
// provides the same contract in-process for tests. Both speak the internal
// four-state model; the external three-state projection lives entirely
// inside BD.
package beads

import (
	"errors"
	"strings"
	"time"
)

// Status is the internal bead lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusVerify     Status = "verify"
	StatusDone       Status = "done"
)

// Well-known labels. The verify label is an adapter encoding detail and
// never appears on internal beads.
const (
	LabelRecovery = "recovery"
	LabelFailed   = "failed"
	LabelRejected = "rejected"

	labelVerify = "verify"

	formulaLabelPrefix  = "formula:"
	stepLabelPrefix     = "step:"
	recoversLabelPrefix = "recovers:"
)

// FormulaLabel tags a bead with the formula that produced it.
func FormulaLabel(name string) string { return formulaLabelPrefix + name }

// StepLabel tags a bead with the formula step it realizes.
func StepLabel(stepID string) string { return stepLabelPrefix + stepID }

// RecoversLabel links a recovery bead to the main bead it covers.
func RecoversLabel(beadID string) string { return recoversLabelPrefix + beadID }

// StepFromLabels extracts the step id from a bead's labels, if present.
func StepFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(l, stepLabelPrefix) {
			return strings.TrimPrefix(l, stepLabelPrefix), true
		}
	}
	return "", false
}

var (
	// ErrNotInstalled means the bd binary could not be found.
	ErrNotInstalled = errors.New("bd CLI not installed")
	// ErrNotFound means the requested bead does not exist.
	ErrNotFound = errors.New("bead not found")
)

// Bead is a single work item.
type Bead struct {
	ID             string
	Title          string
	Description    string // plain text, frontmatter already stripped
	Status         Status
	Priority       int // 0..3, 0 is highest
	Assignee       string
	Labels         []string
	Blockers       []string // bead ids that must reach done first
	AcceptanceTest string
	ParentID       string
	Type           string // epic, story, task
	Context        map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasLabel reports whether the bead carries the given label.
func (b *Bead) HasLabel(name string) bool {
	for _, l := range b.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for mutation by the caller.
func (b *Bead) Clone() *Bead {
	c := *b
	c.Labels = append([]string(nil), b.Labels...)
	c.Blockers = append([]string(nil), b.Blockers...)
	if b.Context != nil {
		c.Context = cloneValue(b.Context).(map[string]any)
	}
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// ListOptions filters List results.
type ListOptions struct {
	Status Status // empty selects all
	Label  string // empty selects all
}

// CreateOptions describes a new bead.
type CreateOptions struct {
	Title       string
	Description string
	Priority    int
	ParentID    string
	Type        string
	Labels      []string
	Context     map[string]any
}

// UpdateOptions is a partial update; nil pointer fields are untouched.
// A non-nil Context replaces the whole context map (empty clears it).
type UpdateOptions struct {
	Status         *Status
	Priority       *int
	Description    *string
	Assignee       *string
	AcceptanceTest *string
	AddLabels      []string
	RemoveLabels   []string
	Context        map[string]any
}

func (o *UpdateOptions) empty() bool {
	return o.Status == nil && o.Priority == nil && o.Description == nil &&
		o.Assignee == nil && o.AcceptanceTest == nil &&
		len(o.AddLabels) == 0 && len(o.RemoveLabels) == 0 && o.Context == nil
}

// StatusPtr is a convenience for building UpdateOptions.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building UpdateOptions.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for building UpdateOptions.
func IntPtr(i int) *int { return &i }
