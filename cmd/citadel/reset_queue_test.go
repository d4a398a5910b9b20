package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/queue"
)

func seedQueue(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.Path = filepath.Join(t.TempDir(), "queue.sqlite")

	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()
	if _, err := q.Enqueue("mem-001", 2, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("mem-002", 2, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func countTickets(t *testing.T, cfg *config.Config) int {
	t.Helper()
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()
	counts, err := q.GetCounts()
	if err != nil {
		t.Fatalf("GetCounts failed: %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestResetQueueSingleBead(t *testing.T) {
	cfg := seedQueue(t)

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := runResetQueue(cmd, cfg, []string{"mem-001"}, false); err != nil {
		t.Fatalf("runResetQueue failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Deleted 1 tickets for mem-001") {
		t.Errorf("output = %q", buf.String())
	}
	if got := countTickets(t, cfg); got != 1 {
		t.Errorf("tickets remaining = %d, want 1", got)
	}
}

func TestResetQueueAllRequiresConfirmation(t *testing.T) {
	cfg := seedQueue(t)

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetIn(strings.NewReader("n\n"))

	if err := runResetQueue(cmd, cfg, nil, false); err != nil {
		t.Fatalf("runResetQueue failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Aborted.") {
		t.Errorf("output = %q", buf.String())
	}
	if got := countTickets(t, cfg); got != 2 {
		t.Errorf("tickets remaining = %d, want 2", got)
	}

	buf.Reset()
	cmd.SetIn(strings.NewReader("y\n"))
	if err := runResetQueue(cmd, cfg, nil, false); err != nil {
		t.Fatalf("runResetQueue failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Deleted 2 tickets.") {
		t.Errorf("output = %q", buf.String())
	}
	if got := countTickets(t, cfg); got != 0 {
		t.Errorf("tickets remaining = %d, want 0", got)
	}
}

func TestResetQueueForceSkipsConfirmation(t *testing.T) {
	cfg := seedQueue(t)

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := runResetQueue(cmd, cfg, nil, true); err != nil {
		t.Fatalf("runResetQueue failed: %v", err)
	}
	if got := countTickets(t, cfg); got != 0 {
		t.Errorf("tickets remaining = %d, want 0", got)
	}
}

func TestResetQueueMissingDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Path = filepath.Join(t.TempDir(), "absent.sqlite")

	cmd := &cobra.Command{}
	if err := runResetQueue(cmd, cfg, nil, true); err == nil {
		t.Fatal("missing database should error")
	}
}
