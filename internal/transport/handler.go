package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/dispatch"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// Handler upgrades HTTP requests to websocket connections and routes their
// events to the dispatcher.
type Handler struct {
	reg      *realtime.Registry
	disp     *dispatch.Dispatcher
	secret   string
	cfg      Config
	upgrader websocket.Upgrader
	log      *logger.Logger

	wg sync.WaitGroup
}

// NewHandler creates a websocket handler verifying tokens with secret.
func NewHandler(reg *realtime.Registry, disp *dispatch.Dispatcher, secret string, cfg Config, log *logger.Logger) *Handler {
	h := &Handler{
		reg:    reg,
		disp:   disp,
		secret: secret,
		cfg:    cfg,
		log:    log.Named("transport"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// ServeHTTP handles GET /ws. A token may be given as the token query
// parameter, a bearer header, or later in an authenticate event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ident model.Identity
	if token := requestToken(r); token != "" {
		var err error
		ident, err = middleware.ParseToken(h.secret, token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(ws, h.cfg, h.log)
	conn := h.reg.Register(c)
	log := h.log.With(zap.String("connection_id", conn.ID))

	if ident.Authenticated() {
		if err := h.reg.BindIdentity(conn.ID, ident); err != nil {
			log.Error("failed to bind identity", zap.Error(err))
			h.reg.Unregister(conn.ID)
			go c.writePump()
			return
		}
	}
	conn.Send(model.Event{Name: model.EventConnected, Data: model.ConnectedPayload{
		ConnectionID: conn.ID,
		UserID:       ident.UserID,
		Role:         ident.Role,
	}})

	h.wg.Add(1)
	go c.writePump()
	go func() {
		defer h.wg.Done()
		h.serve(c, conn, log)
	}()
}

// serve runs the read side of a connection until it ends, then tears the
// connection down.
func (h *Handler) serve(c *client, conn *realtime.Connection, log *logger.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.reg.Unregister(conn.ID)
	}()

	if !conn.Authenticated() && h.cfg.AuthTimeout > 0 {
		timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
			if !conn.Authenticated() {
				log.Info("closing unauthenticated connection")
				h.reg.Unregister(conn.ID)
			}
		})
		defer timer.Stop()
	}

	c.readPump(func(frame []byte) {
		var env model.Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Name == "" {
			h.reply(conn, "", fmt.Errorf("%w: malformed frame", model.ErrInvalidEvent))
			return
		}

		var err error
		if env.Name == model.EventAuthenticate {
			err = h.authenticate(conn, env.Data)
		} else {
			err = h.disp.HandleInbound(ctx, conn.ID, env)
		}
		if err != nil {
			log.Debug("event rejected", zap.String("event", env.Name), zap.Error(err))
			h.reply(conn, env.Name, err)
		}
	})
}

func (h *Handler) authenticate(conn *realtime.Connection, raw json.RawMessage) error {
	var p model.AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		return fmt.Errorf("%w: token is required", model.ErrInvalidEvent)
	}
	ident, err := middleware.ParseToken(h.secret, p.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrAuthenticationRequired, err)
	}
	if err := h.reg.BindIdentity(conn.ID, ident); err != nil {
		return err
	}
	return conn.Send(model.Event{Name: model.EventAuthenticated, Data: model.ConnectedPayload{
		ConnectionID: conn.ID,
		UserID:       ident.UserID,
		Role:         ident.Role,
	}})
}

// reply sends an error event. Delivery failures are ignored: the
// connection is already going away.
func (h *Handler) reply(conn *realtime.Connection, event string, err error) {
	if errors.Is(err, realtime.ErrSlowConsumer) || errors.Is(err, realtime.ErrConnectionClosed) {
		return
	}
	conn.Send(model.Event{Name: model.EventError, Data: model.ErrorPayload{
		Code:    ErrorCode(err),
		Message: err.Error(),
		Event:   event,
	}})
}

// Wait blocks until every connection served by h has ended.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// ErrorCode maps an error to the code carried by error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrAuthenticationRequired):
		return model.ErrCodeUnauthorized
	case errors.Is(err, model.ErrAuthorizationDenied), errors.Is(err, realtime.ErrIdentityConflict):
		return model.ErrCodeForbidden
	case errors.Is(err, model.ErrConversationNotFound), errors.Is(err, model.ErrNotFound):
		return model.ErrCodeNotFound
	case errors.Is(err, model.ErrInvalidEvent), errors.Is(err, realtime.ErrInvalidRoom),
		errors.Is(err, model.ErrConversationClosed):
		return model.ErrCodeBadRequest
	default:
		return model.ErrCodeInternalError
	}
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, _ := middleware.BearerToken(r)
	return token
}

// checkOrigin admits requests without an Origin header, same-host origins
// and origins matching a configured pattern. With no patterns only same-host
// origins pass; the pattern "*" admits every origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	for _, pattern := range h.cfg.AllowedOrigins {
		if pattern == "*" {
			return true
		}
		if ok, _ := path.Match(pattern, origin); ok {
			return true
		}
	}
	return false
}
