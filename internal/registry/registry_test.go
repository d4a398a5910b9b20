package registry

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/formula"
	"github.com/citadel-dev/citadel/internal/queue"
)

func testServices(t *testing.T) *Services {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	formulas := formula.NewRegistry(t.TempDir(), logger)
	return New(config.NewManager(config.Default()), beads.NewMemory(), q, formulas, logger)
}

func TestNewDerivesComponents(t *testing.T) {
	svc := testServices(t)
	if svc.Instantiator == nil || svc.Piper == nil {
		t.Fatalf("New left derived services nil: %+v", svc)
	}
	if err := svc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateNamesMissingService(t *testing.T) {
	svc := testServices(t)
	svc.Queue = nil
	err := svc.Validate()
	if err == nil || !strings.Contains(err.Error(), "queue") {
		t.Fatalf("Validate = %v, want queue error", err)
	}

	var empty Services
	if err := empty.Validate(); err == nil {
		t.Fatal("Validate on empty Services should fail")
	}
}

func TestCloseReleasesQueue(t *testing.T) {
	svc := testServices(t)
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := svc.Queue.GetCounts(); err == nil {
		t.Fatal("queue should be closed")
	}
}
