package transport_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-connect/realtime-core/internal/dispatch"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/presence"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/internal/transport"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

const secret = "test-secret"

var citizen = model.Identity{UserID: "citizen-1", Role: model.RoleCitizen}

type server struct {
	reg  *realtime.Registry
	disp *dispatch.Dispatcher
	url  string
}

func newServer(t *testing.T, cfg transport.Config) *server {
	t.Helper()
	log := logger.NewNop()
	reg := realtime.NewRegistry(log)
	rooms := realtime.NewRoomTable(reg, log)
	disp := dispatch.New(reg, rooms, store.NewMemoryStore(log), presence.New(rooms, log), log)

	h := transport.NewHandler(reg, disp, secret, cfg, log)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
		h.Wait()
	})
	return &server{reg: reg, disp: disp, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func token(t *testing.T, ident model.Identity) string {
	t.Helper()
	tok, err := middleware.SignToken(secret, ident, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, name string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(model.Envelope{Name: name, Data: raw}))
}

func read(t *testing.T, ws *websocket.Conn) model.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env model.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func readError(t *testing.T, ws *websocket.Conn) model.ErrorPayload {
	t.Helper()
	env := read(t, ws)
	require.Equal(t, model.EventError, env.Name)
	var p model.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func TestConnectWithToken(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	ws := dial(t, s.url+"?token="+token(t, citizen), nil)

	env := read(t, ws)
	require.Equal(t, model.EventConnected, env.Name)
	var hello model.ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Data, &hello))
	assert.Equal(t, citizen.UserID, hello.UserID)
	assert.NotEmpty(t, hello.ConnectionID)

	send(t, ws, model.EventPing, nil)
	assert.Equal(t, model.EventPong, read(t, ws).Name)

	send(t, ws, model.EventJoinUser, citizen.UserID)
	assert.Equal(t, model.EventJoined, read(t, ws).Name)

	send(t, ws, model.EventJoinUser, "someone-else")
	p := readError(t, ws)
	assert.Equal(t, model.ErrCodeForbidden, p.Code)
	assert.Equal(t, model.EventJoinUser, p.Event)

	send(t, ws, "shout", nil)
	assert.Equal(t, model.ErrCodeBadRequest, readError(t, ws).Code)
}

func TestBearerHeader(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	header := http.Header{"Authorization": []string{"Bearer " + token(t, citizen)}}
	ws := dial(t, s.url, header)

	var hello model.ConnectedPayload
	require.NoError(t, json.Unmarshal(read(t, ws).Data, &hello))
	assert.Equal(t, citizen.UserID, hello.UserID)
	assert.Len(t, s.reg.ConnectionsOf(citizen.UserID), 1)
}

func TestAuthenticateEvent(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	ws := dial(t, s.url, nil)
	require.Equal(t, model.EventConnected, read(t, ws).Name)

	send(t, ws, model.EventJoinAudience, model.AudienceAll)
	assert.Equal(t, model.ErrCodeUnauthorized, readError(t, ws).Code)

	send(t, ws, model.EventAuthenticate, model.AuthenticatePayload{Token: "garbage"})
	assert.Equal(t, model.ErrCodeUnauthorized, readError(t, ws).Code)

	send(t, ws, model.EventAuthenticate, model.AuthenticatePayload{Token: token(t, citizen)})
	assert.Equal(t, model.EventAuthenticated, read(t, ws).Name)

	send(t, ws, model.EventJoinAudience, model.AudienceAll)
	assert.Equal(t, model.EventJoined, read(t, ws).Name)

	other := model.Identity{UserID: "citizen-2", Role: model.RoleCitizen}
	send(t, ws, model.EventAuthenticate, model.AuthenticatePayload{Token: token(t, other)})
	assert.Equal(t, model.ErrCodeForbidden, readError(t, ws).Code)
}

func TestInvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnauthenticatedConnectionTimesOut(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	s := newServer(t, cfg)
	ws := dial(t, s.url, nil)
	require.Equal(t, model.EventConnected, read(t, ws).Name)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return s.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerDisconnectFlushesQueuedEvents(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	ws := dial(t, s.url+"?token="+token(t, citizen), nil)
	require.Equal(t, model.EventConnected, read(t, ws).Name)
	send(t, ws, model.EventJoinUser, citizen.UserID)
	require.Equal(t, model.EventJoined, read(t, ws).Name)

	n := s.disp.NotifyUser(&model.Notification{ID: "n1", UserID: citizen.UserID, Type: model.NotificationAccountBanned})
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.reg.DisconnectUser(citizen.UserID, nil))

	assert.Equal(t, string(model.NotificationAccountBanned), read(t, ws).Name)
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClientCloseUnregisters(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	ws := dial(t, s.url+"?token="+token(t, citizen), nil)
	require.Equal(t, model.EventConnected, read(t, ws).Name)
	require.Equal(t, 1, s.reg.Count())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return s.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://*.city.gov"}
	s := newServer(t, cfg)

	ws := dial(t, s.url, http.Header{"Origin": []string{"https://portal.city.gov"}})
	require.Equal(t, model.EventConnected, read(t, ws).Name)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginCheckDefaultsToSameHost(t *testing.T) {
	s := newServer(t, transport.DefaultConfig())
	host := strings.TrimPrefix(s.url, "ws://")

	ws := dial(t, s.url, http.Header{"Origin": []string{"http://" + host}})
	require.Equal(t, model.EventConnected, read(t, ws).Name)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	cfg := transport.DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	open := newServer(t, cfg)
	ws = dial(t, open.url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Equal(t, model.EventConnected, read(t, ws).Name)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{model.ErrAuthenticationRequired, model.ErrCodeUnauthorized},
		{fmt.Errorf("%w: admin only", model.ErrAuthorizationDenied), model.ErrCodeForbidden},
		{realtime.ErrIdentityConflict, model.ErrCodeForbidden},
		{model.ErrConversationNotFound, model.ErrCodeNotFound},
		{model.ErrInvalidEvent, model.ErrCodeBadRequest},
		{model.ErrConversationClosed, model.ErrCodeBadRequest},
		{model.ErrStoreUnavailable, model.ErrCodeInternalError},
		{errors.New("boom"), model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, transport.ErrorCode(tt.err))
		})
	}
}
