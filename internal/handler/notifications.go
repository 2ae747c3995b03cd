package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// NotificationHandler handles the notification hub endpoints.
type NotificationHandler struct {
	bridge *bridge.Bridge
	logger *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(b *bridge.Bridge, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{bridge: b, logger: log}
}

// List handles GET /api/v1/notifications?limit=N&unread=true
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	resp, err := h.bridge.ListNotifications(r.Context(), middleware.IdentityFrom(r.Context()), limit, unreadOnly)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.bridge.UnreadCount(r.Context(), middleware.IdentityFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": n})
}

// MarkRead handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(w, id, middleware.ValidateExternalID) {
		return
	}
	if err := h.bridge.MarkNotificationRead(r.Context(), middleware.IdentityFrom(r.Context()), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /api/v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.bridge.MarkAllNotificationsRead(r.Context(), middleware.IdentityFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}
