package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// CivicHandler relays issue, funding and moderation changes made by the
// portal's other services.
type CivicHandler struct {
	bridge *bridge.Bridge
	logger *logger.Logger
}

// NewCivicHandler creates a new civic handler.
func NewCivicHandler(b *bridge.Bridge, log *logger.Logger) *CivicHandler {
	return &CivicHandler{bridge: b, logger: log}
}

// IssueStatus handles POST /api/v1/admin/issues/{id}/status
func (h *CivicHandler) IssueStatus(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "id")
	if !validID(w, issueID, middleware.ValidateExternalID) {
		return
	}
	var req model.IssueStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.bridge.UpdateIssueStatus(r.Context(), middleware.IdentityFrom(r.Context()), issueID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// IssueAssign handles POST /api/v1/admin/issues/{id}/assign
func (h *CivicHandler) IssueAssign(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "id")
	if !validID(w, issueID, middleware.ValidateExternalID) {
		return
	}
	var req model.IssueAssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.bridge.AssignIssue(r.Context(), middleware.IdentityFrom(r.Context()), issueID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Moderate handles POST /api/v1/admin/users/{id}/moderation
func (h *CivicHandler) Moderate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !validID(w, userID, middleware.ValidateExternalID) {
		return
	}
	var req model.ModerationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.bridge.Moderate(r.Context(), middleware.IdentityFrom(r.Context()), userID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Contribute handles POST /api/v1/campaigns/{id}/contributions
func (h *CivicHandler) Contribute(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	if !validID(w, campaignID, middleware.ValidateExternalID) {
		return
	}
	var req model.ContributionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.bridge.RecordContribution(r.Context(), middleware.IdentityFrom(r.Context()), campaignID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
