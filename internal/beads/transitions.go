package beads

import "fmt"

// validTransitions enumerates the legal status edges.
var validTransitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusDone},
	StatusInProgress: {StatusVerify, StatusOpen},
	StatusVerify:     {StatusDone, StatusInProgress, StatusOpen},
	StatusDone:       {StatusInProgress, StatusOpen},
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	BeadID string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("bead %s: invalid transition %s -> %s: %s", e.BeadID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("bead %s: invalid transition %s -> %s", e.BeadID, e.From, e.To)
}

// ValidTransition reports whether from -> to is a legal edge. Setting the
// current status again is treated as a no-op, not a transition.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateUpdate checks a partial update against the current bead: the
// status edge must be legal, and a transition to done requires a non-empty
// acceptance test unless the bead ends up carrying the failed label. Labels
// and acceptance supplied by the same update count.
func validateUpdate(b *Bead, opts *UpdateOptions) error {
	if opts.Status == nil {
		return nil
	}
	to := *opts.Status

	if !ValidTransition(b.Status, to) {
		return &TransitionError{BeadID: b.ID, From: b.Status, To: to}
	}

	if to == StatusDone && b.Status != StatusDone {
		acceptance := b.AcceptanceTest
		if opts.AcceptanceTest != nil {
			acceptance = *opts.AcceptanceTest
		}
		if acceptance == "" && !labelAfterUpdate(b, opts, LabelFailed) {
			return &TransitionError{
				BeadID: b.ID,
				From:   b.Status,
				To:     to,
				Reason: "done requires an acceptance test or the failed label",
			}
		}
	}

	return nil
}

// labelAfterUpdate reports whether the bead would carry the label once the
// update's add/remove sets are applied.
func labelAfterUpdate(b *Bead, opts *UpdateOptions, name string) bool {
	for _, l := range opts.RemoveLabels {
		if l == name {
			return false
		}
	}
	for _, l := range opts.AddLabels {
		if l == name {
			return true
		}
	}
	return b.HasLabel(name)
}
