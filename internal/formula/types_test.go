package formula

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		formula Formula
		wantErr string // substring, empty means valid
	}{
		{
			name: "minimal valid",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one"},
			}},
		},
		{
			name: "needs and recovery",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "build"},
				{ID: "test", Needs: []string{"build"}, OnFailure: "fix"},
				{ID: "fix"},
			}},
		},
		{
			name:    "missing name",
			formula: Formula{Steps: []Step{{ID: "one"}}},
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			formula: Formula{Name: "f"},
			wantErr: "at least one step",
		},
		{
			name: "empty step id",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one"}, {Title: "anonymous"},
			}},
			wantErr: "step 1 has no id",
		},
		{
			name: "duplicate step id",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one"}, {ID: "one"},
			}},
			wantErr: `duplicate step id "one"`,
		},
		{
			name: "unknown needs",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one", Needs: []string{"ghost"}},
			}},
			wantErr: `unknown step "ghost"`,
		},
		{
			name: "unknown on_failure",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one", OnFailure: "ghost"},
			}},
			wantErr: `unknown step "ghost"`,
		},
		{
			name: "self recovery",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one", OnFailure: "one"},
			}},
			wantErr: "cannot recover itself",
		},
		{
			name: "incomplete for clause",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "one", For: &ForClause{Items: "a,b"}},
			}},
			wantErr: "needs items and as",
		},
		{
			name: "needs cycle",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "a", Needs: []string{"b"}},
				{ID: "b", Needs: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "recovery closes a cycle",
			formula: Formula{Name: "f", Steps: []Step{
				{ID: "main", Needs: []string{"fix"}, OnFailure: "fix"},
				{ID: "fix"},
			}},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.formula.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate: want error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error %q does not contain %q", err, tt.wantErr)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate error %T is not a ValidationError", err)
			}
		})
	}
}

func TestRecoveredBy(t *testing.T) {
	f := Formula{Name: "f", Steps: []Step{
		{ID: "a", OnFailure: "fix"},
		{ID: "b", OnFailure: "fix"},
		{ID: "c"},
		{ID: "fix"},
	}}
	got := f.RecoveredBy()
	want := map[string][]string{"fix": {"a", "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RecoveredBy = %v, want %v", got, want)
	}

	plain := Formula{Name: "p", Steps: []Step{{ID: "a"}}}
	if m := plain.RecoveredBy(); m != nil {
		t.Fatalf("RecoveredBy without on_failure = %v, want nil", m)
	}
}

func TestStepLookup(t *testing.T) {
	f := Formula{Name: "f", Steps: []Step{{ID: "a", Title: "first"}, {ID: "b"}}}
	if s := f.Step("a"); s == nil || s.Title != "first" {
		t.Fatalf("Step(a) = %+v", s)
	}
	if s := f.Step("ghost"); s != nil {
		t.Fatalf("Step(ghost) = %+v, want nil", s)
	}
}
