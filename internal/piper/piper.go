// Package piper resolves step output references inside bead contexts.
//
// A bead produced by a formula may declare context values that point at
// the output of an upstream step, written {{steps.<id>.output.<path>}}.
// Once the upstream bead's ticket completes, the piper replaces the
// reference with the actual value so the downstream agent starts with
// real data instead of a placeholder.
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/queue"
)

// refPattern matches {{steps.<id>.output}} with an optional dot path.
var refPattern = regexp.MustCompile(`\{\{steps\.([A-Za-z0-9_-]+)\.output((?:\.[A-Za-z0-9_-]+)*)\}\}`)

// unresolvedMarker is the substring that flags a context value as still
// waiting on upstream output.
const unresolvedMarker = "{{steps."

// Piper wires upstream ticket outputs into downstream bead contexts.
type Piper struct {
	store  beads.Store
	queue  *queue.Queue
	logger *slog.Logger
}

// New returns a piper reading outputs from q and beads from store.
func New(store beads.Store, q *queue.Queue, logger *slog.Logger) *Piper {
	return &Piper{store: store, queue: q, logger: logger.With("component", "piper")}
}

// HasUnresolved reports whether any top-level string value of a context
// still carries a step output reference.
func HasUnresolved(c map[string]any) bool {
	for _, v := range c {
		if s, ok := v.(string); ok && strings.Contains(s, unresolvedMarker) {
			return true
		}
	}
	return false
}

// Resolve rewrites bead's context in place, substituting every step
// output reference it can satisfy, and writes the context back through
// the store when anything changed. References whose upstream bead,
// output, or path cannot be found are left untouched for a later pass.
//
// A value that consists of exactly one reference takes the raw typed
// leaf (object, number, string). A reference embedded in a longer
// string is stringified in place. Beads with an empty context are never
// piped.
func (p *Piper) Resolve(ctx context.Context, bead *beads.Bead) (bool, error) {
	if len(bead.Context) == 0 {
		return false, nil
	}

	res := &resolution{piper: p, bead: bead}
	changed := false

	for key, val := range bead.Context {
		s, ok := val.(string)
		if !ok || !strings.Contains(s, unresolvedMarker) {
			continue
		}

		if m := refPattern.FindString(s); m == s {
			leaf, ok, err := res.lookup(ctx, s)
			if err != nil {
				return changed, err
			}
			if !ok {
				continue
			}
			bead.Context[key] = leaf
			changed = true
			continue
		}

		replaced := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
			leaf, ok, err := res.lookup(ctx, ref)
			if err != nil || !ok {
				return ref
			}
			return stringifyLeaf(leaf)
		})
		if res.err != nil {
			return changed, res.err
		}
		if replaced != s {
			bead.Context[key] = replaced
			changed = true
		}
	}

	if !changed {
		return false, nil
	}
	if err := p.store.Update(ctx, bead.ID, beads.UpdateOptions{Context: bead.Context}); err != nil {
		return false, fmt.Errorf("piper: write back %s: %w", bead.ID, err)
	}
	p.logger.Debug("context resolved", "bead", bead.ID)
	return true, nil
}

// resolution caches upstream lookups for a single Resolve pass. Blocker
// beads are fetched once, parsed outputs once per upstream bead.
type resolution struct {
	piper *Piper
	bead  *beads.Bead

	blockers map[string]*beads.Bead // step id -> upstream bead
	outputs  map[string]parsedOutput
	err      error // sticky store failure surfaced by ReplaceAllStringFunc
}

type parsedOutput struct {
	root any
	ok   bool
}

// lookup resolves one reference to its leaf value. The boolean reports
// whether the reference could be satisfied; unresolvable references are
// not errors.
func (r *resolution) lookup(ctx context.Context, ref string) (any, bool, error) {
	m := refPattern.FindStringSubmatch(ref)
	if m == nil {
		return nil, false, nil
	}
	stepID := m[1]
	path := strings.TrimPrefix(m[2], ".")

	upstream, err := r.blockerForStep(ctx, stepID)
	if err != nil {
		r.err = err
		return nil, false, err
	}
	if upstream == nil {
		return nil, false, nil
	}

	out, ok := r.outputs[upstream.ID]
	if !ok {
		out = r.loadOutput(upstream.ID)
		if r.err != nil {
			return nil, false, r.err
		}
		r.outputs[upstream.ID] = out
	}
	if !out.ok {
		return nil, false, nil
	}

	leaf := out.root
	if path != "" {
		for _, field := range strings.Split(path, ".") {
			obj, isMap := leaf.(map[string]any)
			if !isMap {
				return nil, false, nil
			}
			leaf = obj[field]
		}
	}
	if leaf == nil {
		return nil, false, nil
	}
	return leaf, true, nil
}

// blockerForStep finds the blocker of the target bead labeled with the
// given step id. The first matching blocker in declaration order wins.
func (r *resolution) blockerForStep(ctx context.Context, stepID string) (*beads.Bead, error) {
	if r.blockers == nil {
		r.blockers = make(map[string]*beads.Bead)
		r.outputs = make(map[string]parsedOutput)
		for _, blockerID := range r.bead.Blockers {
			b, err := r.piper.store.Show(ctx, blockerID)
			if err != nil {
				if errors.Is(err, beads.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("piper: show blocker %s: %w", blockerID, err)
			}
			step, ok := beads.StepFromLabels(b.Labels)
			if !ok {
				continue
			}
			if _, taken := r.blockers[step]; !taken {
				r.blockers[step] = b
			}
		}
	}
	return r.blockers[stepID], nil
}

// loadOutput reads and parses the upstream bead's latest completed
// ticket output. Output that is not valid JSON is treated as a bare
// string leaf.
func (r *resolution) loadOutput(beadID string) parsedOutput {
	raw, err := r.piper.queue.GetOutput(beadID)
	if err != nil {
		r.err = fmt.Errorf("piper: output for %s: %w", beadID, err)
		return parsedOutput{}
	}
	if raw == nil {
		return parsedOutput{}
	}
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		return parsedOutput{root: string(raw), ok: true}
	}
	return parsedOutput{root: root, ok: true}
}

// stringifyLeaf renders a leaf for embedding inside a larger string.
func stringifyLeaf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
