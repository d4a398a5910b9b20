// Package formula defines reusable workflow templates and compiles them
// into bead molecules.
package formula

import (
	"fmt"

	"github.com/citadel-dev/citadel/internal/graph"
)

// Context keys reserved for engine metadata inside a bead's context.
// The piper only touches plain top-level string values, so these maps
// pass through untouched.
const (
	ContextKeyPrompts      = "_prompts"
	ContextKeyMCPResources = "_mcp_resources"
	ContextKeyOutputSchema = "_output_schema"
)

// Formula is a workflow template: variables plus an ordered list of
// steps that compile into a molecule of beads.
type Formula struct {
	Name        string              `toml:"name"`
	Description string              `toml:"description"`
	Variables   map[string]Variable `toml:"variables"`
	Steps       []Step              `toml:"steps"`
}

// Variable declares one formula input.
type Variable struct {
	Description string `toml:"description"`
	Required    bool   `toml:"required"`
	Default     string `toml:"default"`
}

// Step is a single unit of a formula. Template references ({{var}} and
// the loop binding) are rendered at instantiation time; step output
// references ({{steps.<id>.output.<path>}}) are left for the piper.
type Step struct {
	ID           string              `toml:"id"`
	Title        string              `toml:"title"`
	Description  string              `toml:"description"`
	Needs        []string            `toml:"needs"`
	If           string              `toml:"if"`
	For          *ForClause          `toml:"for"`
	OnFailure    string              `toml:"on_failure"`
	OutputSchema map[string]any      `toml:"output_schema"`
	Context      map[string]string   `toml:"context"`
	Prompts      map[string]string   `toml:"prompts"`
	MCPResources map[string][]string `toml:"mcp_resources"`
}

// ForClause repeats a step once per item. Items renders to a JSON array
// or a comma-separated string; As names the loop binding.
type ForClause struct {
	Items string `toml:"items"`
	As    string `toml:"as"`
}

// ValidationError marks a bad formula definition or instantiation input.
type ValidationError struct {
	Formula string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("formula %s: %s", e.Formula, e.Reason)
}

// Step returns a step by id, or nil.
func (f *Formula) Step(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// RecoveredBy maps each recovery step id to the main step ids that
// designate it via on_failure.
func (f *Formula) RecoveredBy() map[string][]string {
	var out map[string][]string
	for i := range f.Steps {
		if f.Steps[i].OnFailure == "" {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[f.Steps[i].OnFailure] = append(out[f.Steps[i].OnFailure], f.Steps[i].ID)
	}
	return out
}

// Validate checks structural soundness: unique step ids, resolvable
// references, complete for clauses, and an acyclic step graph.
func (f *Formula) Validate() error {
	if f.Name == "" {
		return &ValidationError{Formula: "(unnamed)", Reason: "name is required"}
	}
	if len(f.Steps) == 0 {
		return &ValidationError{Formula: f.Name, Reason: "at least one step is required"}
	}

	ids := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		s := &f.Steps[i]
		if s.ID == "" {
			return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step %d has no id", i)}
		}
		if ids[s.ID] {
			return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = true
		if s.For != nil && (s.For.Items == "" || s.For.As == "") {
			return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step %q for clause needs items and as", s.ID)}
		}
	}

	g := graph.New()
	for i := range f.Steps {
		s := &f.Steps[i]
		g.AddNode(s.ID)
		for _, need := range s.Needs {
			if !ids[need] {
				return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step %q needs unknown step %q", s.ID, need)}
			}
			g.AddEdge(s.ID, need)
		}
		if s.OnFailure != "" {
			if !ids[s.OnFailure] {
				return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step %q on_failure references unknown step %q", s.ID, s.OnFailure)}
			}
			if s.OnFailure == s.ID {
				return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step %q cannot recover itself", s.ID)}
			}
			// The recovery step depends on the step it covers.
			g.AddEdge(s.OnFailure, s.ID)
		}
	}
	if cycle := g.Cycle(); cycle != nil {
		return &ValidationError{Formula: f.Name, Reason: fmt.Sprintf("step dependency cycle: %v", cycle)}
	}

	return nil
}
