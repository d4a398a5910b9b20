// Package api provides a read-only HTTP view of engine state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/pool"
	"github.com/citadel-dev/citadel/internal/queue"
	"github.com/citadel-dev/citadel/internal/registry"
)

// Server is the HTTP status server.
type Server struct {
	svc        *registry.Services
	pools      map[string]*pool.Pool
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a status server over the engine services.
func NewServer(svc *registry.Services, pools map[string]*pool.Pool, logger *slog.Logger) *Server {
	return &Server{
		svc:       svc,
		pools:     pools,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
}

// Start begins listening on the configured bind address. Blocks until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/beads/", s.handleBeadTickets)

	bind := s.svc.Config.Get().API.Bind
	s.httpServer = &http.Server{
		Addr:        bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Queue.GetCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pending := make(map[string]int)
	for _, role := range []string{queue.RoleWorker, queue.RoleGatekeeper} {
		n, err := s.svc.Queue.GetPendingCount(role)
		if err != nil {
			s.logger.Warn("pending count failed", "role", role, "error", err)
			continue
		}
		pending[role] = n
	}

	poolSizes := make(map[string]int, len(s.pools))
	for role, p := range s.pools {
		poolSizes[role] = p.Size()
	}

	writeJSON(w, map[string]any{
		"uptime_s": time.Since(s.startTime).Seconds(),
		"tickets":  counts,
		"pending":  pending,
		"pools":    poolSizes,
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK, err := s.svc.Beads.Doctor(r.Context())
	if err != nil {
		storeOK = false
	}
	queueOK := s.svc.Queue.DB().PingContext(r.Context()) == nil
	healthy := storeOK && queueOK

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"healthy":    healthy,
		"bead_store": storeOK,
		"queue":      queueOK,
	})
}

// GET /beads/{id}/tickets
func (s *Server) handleBeadTickets(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/beads/")
	id, ok := strings.CutSuffix(rest, "/tickets")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if _, err := s.svc.Beads.Show(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "bead not found")
		return
	}
	tickets, err := s.svc.Queue.GetTicketsByBead(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(tickets))
	for i := range tickets {
		tk := &tickets[i]
		m := map[string]any{
			"id":          tk.ID,
			"status":      tk.Status,
			"role":        tk.Role,
			"priority":    tk.Priority,
			"retry_count": tk.RetryCount,
			"created_at":  tk.CreatedAt.Format(time.RFC3339),
		}
		if tk.AssigneeID != "" {
			m["assignee"] = tk.AssigneeID
		}
		if !tk.CompletedAt.IsZero() {
			m["completed_at"] = tk.CompletedAt.Format(time.RFC3339)
		}
		if tk.Output != nil {
			m["output"] = json.RawMessage(tk.Output)
		}
		out = append(out, m)
	}
	writeJSON(w, out)
}
