package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/civic-connect/realtime-core/internal/realtime"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks map[string]Check
	reg    *realtime.Registry
	rooms  *realtime.RoomTable
}

// NewHealthHandler creates a new health handler. Every check must pass for
// the node to be ready.
func NewHealthHandler(reg *realtime.Registry, rooms *realtime.RoomTable, checks map[string]Check) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		reg:    reg,
		rooms:  rooms,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": h.reg.Count(),
		"rooms":       h.rooms.Count(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
