package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/formula"
	"github.com/citadel-dev/citadel/internal/pool"
	"github.com/citadel-dev/citadel/internal/queue"
	"github.com/citadel-dev/citadel/internal/registry"
)

func setupTestServer(t *testing.T) (*Server, *registry.Services) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	cfg := config.Default()
	cfg.API.Bind = "127.0.0.1:0"
	svc := registry.New(config.NewManager(cfg), beads.NewMemory(), q, formula.NewRegistry(t.TempDir(), logger), logger)

	noop := pool.HandlerFunc(func(ctx context.Context, tk *queue.Ticket) error { return nil })
	pools := map[string]*pool.Pool{
		queue.RoleWorker: pool.New(queue.RoleWorker, q, noop, cfg.Worker, logger),
	}
	pools[queue.RoleWorker].Resize(2)

	return NewServer(svc, pools, logger), svc
}

func TestHandleStatus(t *testing.T) {
	srv, svc := setupTestServer(t)

	if _, err := svc.Queue.Enqueue("bead-1", 2, queue.RoleWorker); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var resp struct {
		UptimeS float64        `json:"uptime_s"`
		Tickets map[string]int `json:"tickets"`
		Pending map[string]int `json:"pending"`
		Pools   map[string]int `json:"pools"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Tickets[queue.StatusQueued] != 1 {
		t.Errorf("tickets = %v, want one queued", resp.Tickets)
	}
	if resp.Pending[queue.RoleWorker] != 1 {
		t.Errorf("pending = %v, want worker 1", resp.Pending)
	}
	if resp.Pools[queue.RoleWorker] != 2 {
		t.Errorf("pools = %v, want worker 2", resp.Pools)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, svc := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["healthy"] != true {
		t.Errorf("healthy = %v, want true", resp["healthy"])
	}

	svc.Beads.(*beads.Memory).SetHealthy(false)
	w = httptest.NewRecorder()
	srv.handleHealth(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on sick store, got %d", w.Code)
	}
}

func TestHandleBeadTickets(t *testing.T) {
	srv, svc := setupTestServer(t)
	ctx := context.Background()

	b, err := svc.Beads.Create(ctx, beads.CreateOptions{Title: "Watched bead"})
	if err != nil {
		t.Fatal(err)
	}
	id, _ := svc.Queue.Enqueue(b.ID, 1, queue.RoleWorker)
	if _, err := svc.Queue.Claim("hook-1", queue.RoleWorker); err != nil {
		t.Fatal(err)
	}
	if err := svc.Queue.Complete(id, []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/beads/"+b.ID+"/tickets", nil)
	w := httptest.NewRecorder()
	srv.handleBeadTickets(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(resp))
	}
	if resp[0]["status"] != queue.StatusCompleted {
		t.Errorf("status = %v, want completed", resp[0]["status"])
	}
	if resp[0]["assignee"] != "hook-1" {
		t.Errorf("assignee = %v, want hook-1", resp[0]["assignee"])
	}

	// Unknown bead and malformed paths both 404.
	for _, path := range []string{"/beads/no-such/tickets", "/beads/", "/beads/" + b.ID} {
		w := httptest.NewRecorder()
		srv.handleBeadTickets(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}
