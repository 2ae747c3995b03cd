package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

const secret = "test-secret"

func sign(t *testing.T, ident model.Identity, expires time.Time) string {
	t.Helper()
	tok, err := SignToken(secret, ident, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expires)})
	require.NoError(t, err)
	return tok
}

func TestParseToken(t *testing.T) {
	ident := model.Identity{UserID: "u1", Role: model.RoleAdmin, Name: "Ada"}

	got, err := ParseToken(secret, sign(t, ident, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ident, got)

	_, err = ParseToken(secret, sign(t, ident, time.Now().Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("other-secret", sign(t, ident, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidToken)

	noRole := model.Identity{UserID: "u1", Role: "mayor"}
	_, err = ParseToken(secret, sign(t, noRole, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthAndRequireRole(t *testing.T) {
	var seen model.Identity
	r := chi.NewRouter()
	r.Use(Auth(secret))
	r.With(RequireRole(model.RoleAdmin, model.RoleSuperAdmin)).Get("/admin", func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Token abc"))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer abc"))

	citizen := model.Identity{UserID: "c1", Role: model.RoleCitizen}
	assert.Equal(t, http.StatusForbidden, call("Bearer "+sign(t, citizen, time.Now().Add(time.Hour))))

	admin := model.Identity{UserID: "a1", Role: model.RoleSuperAdmin}
	assert.Equal(t, http.StatusNoContent, call("bearer "+sign(t, admin, time.Now().Add(time.Hour))))
	assert.Equal(t, admin, seen)
}

func TestLoggingCorrelationID(t *testing.T) {
	var got string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "corr-1", got)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestUserRateLimit(t *testing.T) {
	h := UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), model.Identity{UserID: userID, Role: model.RoleCitizen}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("u1"))
	assert.Equal(t, http.StatusOK, call("u1"))
	assert.Equal(t, http.StatusTooManyRequests, call("u1"))
	assert.Equal(t, http.StatusOK, call("u2"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello", 10))
	assert.Error(t, ValidateMessageContent("", 10))
	assert.Error(t, ValidateMessageContent("this is too long", 10))
	assert.Error(t, ValidateMessageContent(string([]byte{0xff, 0xfe}), 10))

	assert.NoError(t, ValidateConversationID("01890a5d-ac96-774b-bcce-b302099a8057"))
	assert.Error(t, ValidateConversationID("conv-1"))

	assert.NoError(t, ValidateExternalID("issue-42"))
	assert.Error(t, ValidateExternalID(""))
	assert.Error(t, ValidateExternalID("has space"))

	seq, err := ParseSequence("17")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), seq)
	_, err = ParseSequence("-1")
	assert.Error(t, err)

	limit, err := ParseLimit("")
	require.NoError(t, err)
	assert.Zero(t, limit)
	_, err = ParseLimit("x")
	assert.Error(t, err)
}
