// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	bridge *bridge.Bridge
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(b *bridge.Bridge, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		bridge: b,
		logger: log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.bridge.ListConversations(r.Context(), middleware.IdentityFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, model.ListConversationsResponse{Conversations: convs, Total: len(convs)})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !validID(w, conversationID, middleware.ValidateConversationID) {
		return
	}

	conv, err := h.bridge.GetConversation(r.Context(), middleware.IdentityFrom(r.Context()), conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Close handles POST /api/v1/admin/conversations/{id}/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !validID(w, conversationID, middleware.ValidateConversationID) {
		return
	}

	conv, err := h.bridge.CloseConversation(r.Context(), middleware.IdentityFrom(r.Context()), conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Assign handles POST /api/v1/admin/conversations/{id}/assign
func (h *ConversationHandler) Assign(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !validID(w, conversationID, middleware.ValidateConversationID) {
		return
	}

	var req model.AssignConversationRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	conv, err := h.bridge.AssignConversation(r.Context(), middleware.IdentityFrom(r.Context()), conversationID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
