package piper

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPiper(t *testing.T) (*Piper, *beads.Memory, *queue.Queue) {
	t.Helper()
	store := beads.NewMemory()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return New(store, q, testLogger()), store, q
}

// completeTicket runs one ticket for the bead through the queue and
// stores the given output.
func completeTicket(t *testing.T, q *queue.Queue, beadID, output string) {
	t.Helper()
	if _, err := q.Enqueue(beadID, 2, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	tk, err := q.Claim("hook-test", queue.RoleWorker)
	if err != nil {
		t.Fatal(err)
	}
	if tk == nil || tk.BeadID != beadID {
		t.Fatalf("claimed %+v, want ticket for %s", tk, beadID)
	}
	if err := q.Complete(tk.ID, []byte(output)); err != nil {
		t.Fatal(err)
	}
}

// makeProducer creates an upstream bead labeled as a formula step.
func makeProducer(t *testing.T, store *beads.Memory, stepID string) *beads.Bead {
	t.Helper()
	b, err := store.Create(context.Background(), beads.CreateOptions{
		Title:    "produce " + stepID,
		Priority: 2,
		Labels:   []string{beads.StepLabel(stepID)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// makeConsumer creates a downstream bead blocked on each producer.
func makeConsumer(t *testing.T, store *beads.Memory, ctx map[string]any, producers ...*beads.Bead) *beads.Bead {
	t.Helper()
	b, err := store.Create(context.Background(), beads.CreateOptions{
		Title:    "consume",
		Priority: 2,
		Context:  ctx,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range producers {
		if err := store.AddDependency(context.Background(), b.ID, p.ID); err != nil {
			t.Fatal(err)
		}
	}
	fresh, err := store.Show(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	return fresh
}

func TestResolveFullTemplateKeepsType(t *testing.T) {
	p, store, q := testPiper(t)

	producer := makeProducer(t, store, "producer")
	consumer := makeConsumer(t, store,
		map[string]any{"input_num": "{{steps.producer.output.magic_number}}"}, producer)
	completeTicket(t, q, producer.ID, `{"magic_number": 42}`)

	changed, err := p.Resolve(context.Background(), consumer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !changed {
		t.Fatal("Resolve reported no change")
	}

	stored, err := store.Show(context.Background(), consumer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := stored.Context["input_num"]; got != float64(42) {
		t.Fatalf("input_num = %v (%T), want the number 42", got, got)
	}
}

func TestResolveNestedPath(t *testing.T) {
	p, store, q := testPiper(t)

	producer := makeProducer(t, store, "plan")
	consumer := makeConsumer(t, store,
		map[string]any{"file": "{{steps.plan.output.result.files.main}}"}, producer)
	completeTicket(t, q, producer.ID, `{"result": {"files": {"main": "cmd/app.go"}}}`)

	if _, err := p.Resolve(context.Background(), consumer); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := consumer.Context["file"]; got != "cmd/app.go" {
		t.Fatalf("file = %v", got)
	}
}

func TestResolveWholeOutput(t *testing.T) {
	p, store, q := testPiper(t)

	producer := makeProducer(t, store, "gen")
	consumer := makeConsumer(t, store,
		map[string]any{"payload": "{{steps.gen.output}}"}, producer)
	completeTicket(t, q, producer.ID, `{"count": 2, "name": "x"}`)

	if _, err := p.Resolve(context.Background(), consumer); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]any{"count": float64(2), "name": "x"}
	if got := consumer.Context["payload"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("payload = %v (%T), want %v", got, got, want)
	}
}

func TestResolveEmbeddedStringifies(t *testing.T) {
	p, store, q := testPiper(t)

	producer := makeProducer(t, store, "producer")
	consumer := makeConsumer(t, store, map[string]any{
		"note": "magic is {{steps.producer.output.magic_number}}, name is {{steps.producer.output.name}}",
	}, producer)
	completeTicket(t, q, producer.ID, `{"magic_number": 42, "name": "api"}`)

	if _, err := p.Resolve(context.Background(), consumer); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := consumer.Context["note"]; got != "magic is 42, name is api" {
		t.Fatalf("note = %v", got)
	}
}

func TestResolveLeavesUnresolved(t *testing.T) {
	tests := []struct {
		name     string
		template string
		output   string // empty means no completed ticket
	}{
		{"no blocker for step", "{{steps.ghost.output.x}}", `{"x": 1}`},
		{"no completed output", "{{steps.producer.output.x}}", ""},
		{"missing path", "{{steps.producer.output.absent}}", `{"x": 1}`},
		{"null leaf", "{{steps.producer.output.x}}", `{"x": null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, q := testPiper(t)
			producer := makeProducer(t, store, "producer")
			if tt.output != "" {
				completeTicket(t, q, producer.ID, tt.output)
			}
			consumer := makeConsumer(t, store, map[string]any{"v": tt.template}, producer)

			changed, err := p.Resolve(context.Background(), consumer)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if changed {
				t.Fatal("Resolve reported a change")
			}
			if got := consumer.Context["v"]; got != tt.template {
				t.Fatalf("v = %v, want template untouched", got)
			}
		})
	}
}

func TestResolveMixedResolvableAndNot(t *testing.T) {
	p, store, q := testPiper(t)

	done := makeProducer(t, store, "done")
	pending := makeProducer(t, store, "pending")
	consumer := makeConsumer(t, store, map[string]any{
		"ready":   "{{steps.done.output.v}}",
		"waiting": "{{steps.pending.output.v}}",
	}, done, pending)
	completeTicket(t, q, done.ID, `{"v": "yes"}`)

	changed, err := p.Resolve(context.Background(), consumer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !changed {
		t.Fatal("Resolve reported no change")
	}
	if got := consumer.Context["ready"]; got != "yes" {
		t.Fatalf("ready = %v", got)
	}
	if got := consumer.Context["waiting"]; got != "{{steps.pending.output.v}}" {
		t.Fatalf("waiting = %v, want template untouched", got)
	}
	if !HasUnresolved(consumer.Context) {
		t.Fatal("context should still count as unresolved")
	}
}

func TestResolveNonJSONOutput(t *testing.T) {
	p, store, q := testPiper(t)

	producer := makeProducer(t, store, "raw")
	consumer := makeConsumer(t, store, map[string]any{
		"whole":  "{{steps.raw.output}}",
		"pathed": "{{steps.raw.output.field}}",
	}, producer)
	completeTicket(t, q, producer.ID, "plain text result")

	if _, err := p.Resolve(context.Background(), consumer); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := consumer.Context["whole"]; got != "plain text result" {
		t.Fatalf("whole = %v", got)
	}
	if got := consumer.Context["pathed"]; got != "{{steps.raw.output.field}}" {
		t.Fatalf("pathed = %v, want template untouched", got)
	}
}

func TestResolveSkipsEmptyContext(t *testing.T) {
	p, store, _ := testPiper(t)

	b, err := store.Create(context.Background(), beads.CreateOptions{Title: "bare", Priority: 2})
	if err != nil {
		t.Fatal(err)
	}
	changed, err := p.Resolve(context.Background(), b)
	if err != nil || changed {
		t.Fatalf("Resolve on empty context = (%v, %v), want (false, nil)", changed, err)
	}
}

func TestHasUnresolved(t *testing.T) {
	tests := []struct {
		name string
		c    map[string]any
		want bool
	}{
		{"nil", nil, false},
		{"plain values", map[string]any{"a": "x", "n": float64(3)}, false},
		{"reference", map[string]any{"a": "{{steps.b.output}}"}, true},
		{"embedded reference", map[string]any{"a": "v={{steps.b.output.v}}"}, true},
		{"non-string ignored", map[string]any{"a": map[string]any{"v": "{{steps.b.output}}"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasUnresolved(tt.c); got != tt.want {
				t.Fatalf("HasUnresolved = %v, want %v", got, tt.want)
			}
		})
	}
}
