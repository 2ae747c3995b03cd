package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// MessageHandler handles chat message endpoints.
type MessageHandler struct {
	bridge *bridge.Bridge
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(b *bridge.Bridge, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		bridge: b,
		logger: log,
	}
}

// Send handles POST /api/v1/chat/messages. Without a conversationId the
// caller's open conversation is resumed or started.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID != "" && !validID(w, req.ConversationID, middleware.ValidateConversationID) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, bridge.MaxMessageLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.bridge.SendMessage(r.Context(), middleware.IdentityFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if resp.NewConversation {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// List handles GET /api/v1/conversations/{id}/messages?after_sequence=N&limit=M
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !validID(w, conversationID, middleware.ValidateConversationID) {
		return
	}

	q := r.URL.Query()
	after, err := middleware.ParseSequence(q.Get("after_sequence"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := middleware.ParseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.bridge.ListMessages(r.Context(), middleware.IdentityFrom(r.Context()), conversationID, after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminSend handles POST /api/v1/admin/conversations/{id}/messages
func (h *MessageHandler) AdminSend(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !validID(w, conversationID, middleware.ValidateConversationID) {
		return
	}

	var req model.AdminMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, bridge.MaxMessageLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.bridge.AdminSendMessage(r.Context(), middleware.IdentityFrom(r.Context()), conversationID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
