package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// AnnouncementHandler handles announcement endpoints.
type AnnouncementHandler struct {
	bridge *bridge.Bridge
	logger *logger.Logger
}

// NewAnnouncementHandler creates a new announcement handler.
func NewAnnouncementHandler(b *bridge.Bridge, log *logger.Logger) *AnnouncementHandler {
	return &AnnouncementHandler{bridge: b, logger: log}
}

// List handles GET /api/v1/announcements
func (h *AnnouncementHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.bridge.ListAnnouncements(r.Context(), middleware.IdentityFrom(r.Context()), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListAnnouncementsResponse{Announcements: list})
}

// MarkRead handles POST /api/v1/announcements/{id}/read
func (h *AnnouncementHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(w, id, middleware.ValidateExternalID) {
		return
	}
	if err := h.bridge.MarkAnnouncementRead(r.Context(), middleware.IdentityFrom(r.Context()), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Publish handles POST /api/v1/admin/announcements
func (h *AnnouncementHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req model.PublishAnnouncementRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.bridge.PublishAnnouncement(r.Context(), middleware.IdentityFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}
