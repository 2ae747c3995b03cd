package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{model.ErrAuthenticationRequired, http.StatusUnauthorized},
		{fmt.Errorf("%w: admin role required", model.ErrAuthorizationDenied), http.StatusForbidden},
		{fmt.Errorf("conversation c1: %w", model.ErrConversationNotFound), http.StatusNotFound},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrConversationClosed, http.StatusConflict},
		{model.ErrInvalidEvent, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: disk full", model.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			writeServiceError(rec, req, logger.NewNop(), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status >= http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}
}
