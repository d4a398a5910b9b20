package formula

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/citadel-dev/citadel/internal/beads"
)

// Molecule describes the beads produced by one instantiation.
type Molecule struct {
	RootID    string
	Formula   string
	StepBeads map[string][]string // step id -> bead ids; skipped steps absent
}

// Instantiator compiles formulas into bead molecules.
type Instantiator struct {
	store    beads.Store
	registry *Registry
	logger   *slog.Logger
}

// NewInstantiator wires the compiler to a bead store and a registry.
func NewInstantiator(store beads.Store, registry *Registry, logger *slog.Logger) *Instantiator {
	return &Instantiator{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "formula"),
	}
}

// Instantiate expands the named formula into a molecule: a root epic
// plus one bead per live step iteration, wired with dependency edges.
// parentID, when non-empty, parents the root under an existing bead.
//
// Steps are materialized in source order. A step whose if condition
// fails, or whose for clause renders to no items, produces no beads and
// no edges.
func (i *Instantiator) Instantiate(ctx context.Context, name string, supplied map[string]string, parentID string) (*Molecule, error) {
	f, err := i.registry.Get(name)
	if err != nil {
		return nil, err
	}
	vars, err := resolveVariables(f, supplied)
	if err != nil {
		return nil, err
	}

	root, err := i.store.Create(ctx, beads.CreateOptions{
		Title:    "[Molecule] " + render(f.Description, vars),
		Type:     "epic",
		Priority: 2,
		ParentID: parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("formula %s: create root: %w", name, err)
	}

	recovered := f.RecoveredBy()
	stepBeads := make(map[string][]string)
	// recovers labels attached at creation, recovery bead -> main beads
	labeled := make(map[string]map[string]bool)

	for idx := range f.Steps {
		s := &f.Steps[idx]

		if s.If != "" {
			cond := render(s.If, vars)
			if !evalCondition(cond, i.logger.With("formula", name, "step", s.ID)) {
				i.logger.Debug("step skipped by condition", "formula", name, "step", s.ID, "condition", cond)
				continue
			}
		}

		bindings := []map[string]string{vars}
		if s.For != nil {
			items := forItems(render(s.For.Items, vars))
			bindings = bindings[:0]
			for _, item := range items {
				b := make(map[string]string, len(vars)+1)
				for k, v := range vars {
					b[k] = v
				}
				b[s.For.As] = item
				bindings = append(bindings, b)
			}
		}

		for _, b := range bindings {
			id, err := i.createStepBead(ctx, f, s, b, root.ID, recovered[s.ID], stepBeads, labeled)
			if err != nil {
				return nil, err
			}
			stepBeads[s.ID] = append(stepBeads[s.ID], id)
		}
	}

	if err := i.wire(ctx, f, stepBeads, labeled); err != nil {
		return nil, err
	}

	total := 0
	for _, ids := range stepBeads {
		total += len(ids)
	}
	i.logger.Info("formula instantiated",
		"formula", name, "molecule", root.ID, "steps", len(stepBeads), "beads", total)

	return &Molecule{RootID: root.ID, Formula: name, StepBeads: stepBeads}, nil
}

// createStepBead creates one iteration of a step. recoversSteps lists
// the main steps that designate this step via on_failure; their beads
// created so far get recovers labels here, the rest are labeled during
// wiring.
func (i *Instantiator) createStepBead(ctx context.Context, f *Formula, s *Step, vars map[string]string, rootID string, recoversSteps []string, stepBeads map[string][]string, labeled map[string]map[string]bool) (string, error) {
	title := render(s.Title, vars)
	if title == "" {
		title = s.ID
	}

	labels := []string{beads.FormulaLabel(f.Name), beads.StepLabel(s.ID)}
	var mains []string
	if len(recoversSteps) > 0 {
		labels = append(labels, beads.LabelRecovery)
		for _, mainStep := range recoversSteps {
			for _, mainID := range stepBeads[mainStep] {
				labels = append(labels, beads.RecoversLabel(mainID))
				mains = append(mains, mainID)
			}
		}
	}

	bead, err := i.store.Create(ctx, beads.CreateOptions{
		Title:       title,
		Description: render(s.Description, vars),
		Priority:    2,
		ParentID:    rootID,
		Type:        "task",
		Labels:      labels,
		Context:     renderContext(s, vars),
	})
	if err != nil {
		return "", fmt.Errorf("formula %s: create step %s: %w", f.Name, s.ID, err)
	}
	if len(mains) > 0 {
		set := make(map[string]bool, len(mains))
		for _, m := range mains {
			set[m] = true
		}
		labeled[bead.ID] = set
	}
	return bead.ID, nil
}

// wire adds the dependency edges: needs fan in across loop iterations,
// and recovery beads depend on the main beads they cover. Edges touching
// steps that produced no beads are omitted.
func (i *Instantiator) wire(ctx context.Context, f *Formula, stepBeads map[string][]string, labeled map[string]map[string]bool) error {
	for idx := range f.Steps {
		s := &f.Steps[idx]
		cur := stepBeads[s.ID]
		if len(cur) == 0 {
			continue
		}

		for _, need := range s.Needs {
			for _, child := range cur {
				for _, parent := range stepBeads[need] {
					if err := i.store.AddDependency(ctx, child, parent); err != nil {
						return fmt.Errorf("formula %s: wire %s needs %s: %w", f.Name, s.ID, need, err)
					}
				}
			}
		}

		if s.OnFailure == "" {
			continue
		}
		for _, rec := range stepBeads[s.OnFailure] {
			var missing []string
			for _, main := range cur {
				if err := i.store.AddDependency(ctx, rec, main); err != nil {
					return fmt.Errorf("formula %s: wire recovery %s for %s: %w", f.Name, s.OnFailure, s.ID, err)
				}
				if !labeled[rec][main] {
					missing = append(missing, beads.RecoversLabel(main))
				}
			}
			if len(missing) > 0 {
				opts := beads.UpdateOptions{AddLabels: append([]string{beads.LabelRecovery}, missing...)}
				if err := i.store.Update(ctx, rec, opts); err != nil {
					return fmt.Errorf("formula %s: label recovery %s: %w", f.Name, s.OnFailure, err)
				}
			}
		}
	}
	return nil
}

// resolveVariables merges supplied values over declared defaults.
// Optional variables without a value bind empty; extra supplied
// variables pass through untouched.
func resolveVariables(f *Formula, supplied map[string]string) (map[string]string, error) {
	vars := make(map[string]string, len(supplied)+len(f.Variables))
	for k, v := range supplied {
		vars[k] = v
	}
	for name, decl := range f.Variables {
		if _, ok := vars[name]; ok {
			continue
		}
		if decl.Default != "" {
			vars[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("missing required variable %q", name)}
		}
		vars[name] = ""
	}
	return vars, nil
}

// renderContext builds the bead context for one step iteration: the
// step's own context values rendered, plus the engine metadata maps
// under their reserved keys. Values are kept as map[string]any / []any
// so they round-trip through the store the same way user context does.
func renderContext(s *Step, vars map[string]string) map[string]any {
	if len(s.Context) == 0 && len(s.Prompts) == 0 && len(s.MCPResources) == 0 && len(s.OutputSchema) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.Context)+3)
	for k, v := range s.Context {
		out[k] = render(v, vars)
	}
	if len(s.Prompts) > 0 {
		prompts := make(map[string]any, len(s.Prompts))
		for role, text := range s.Prompts {
			prompts[role] = render(text, vars)
		}
		out[ContextKeyPrompts] = prompts
	}
	if len(s.MCPResources) > 0 {
		resources := make(map[string]any, len(s.MCPResources))
		for server, uris := range s.MCPResources {
			list := make([]any, len(uris))
			for n, uri := range uris {
				list[n] = render(uri, vars)
			}
			resources[server] = list
		}
		out[ContextKeyMCPResources] = resources
	}
	if len(s.OutputSchema) > 0 {
		out[ContextKeyOutputSchema] = s.OutputSchema
	}
	return out
}
