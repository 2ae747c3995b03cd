package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

// Registry tracks live connections and the identity bound to each one.
type Registry struct {
	log *logger.Logger
	now func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	hooks  []func(*Connection)

	rooms *RoomTable
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:    log.Named("registry"),
		now:    time.Now,
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// OnUnregister adds a hook that runs after a connection leaves all its
// rooms. Hooks must be added before connections are registered.
func (r *Registry) OnUnregister(fn func(*Connection)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Register records a new unauthenticated connection.
func (r *Registry) Register(sink Sink) *Connection {
	conn := newConnection(uuid.NewString(), sink, r.now())

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	r.log.Debug("connection registered", zap.String("connection_id", conn.ID))
	return conn
}

// BindIdentity attaches an authenticated identity to a connection.
// Rebinding the same user refreshes the role; binding a different user fails.
func (r *Registry) BindIdentity(connID string, ident model.Identity) error {
	if !ident.Authenticated() {
		return model.ErrAuthenticationRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if err := conn.bind(ident); err != nil {
		return err
	}

	set, ok := r.byUser[ident.UserID]
	if !ok {
		set = make(map[string]*Connection)
		r.byUser[ident.UserID] = set
	}
	set[conn.ID] = conn

	r.log.Debug("identity bound",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", ident.UserID),
		zap.String("role", string(ident.Role)),
	)
	return nil
}

// Get returns a live connection.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsOf returns the live connections bound to a user.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Unregister tears a connection down: it is closed, removed from every room
// it belongs to and then discarded. It reports false if the connection was
// already gone, so concurrent callers tear down once.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		if uid := conn.Identity().UserID; uid != "" {
			if set := r.byUser[uid]; set != nil {
				delete(set, connID)
				if len(set) == 0 {
					delete(r.byUser, uid)
				}
			}
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	if !ok {
		return false
	}

	rooms, _ := conn.close()
	if r.rooms != nil {
		for _, id := range rooms {
			r.rooms.remove(id, conn, false)
		}
	}

	for _, fn := range hooks {
		fn(conn)
	}

	metrics.ConnectionsActive.Dec()
	r.log.Debug("connection unregistered",
		zap.String("connection_id", connID),
		zap.Int("rooms", len(rooms)),
	)
	return true
}

// DisconnectUser tears down every connection of a user and returns how many
// were closed. A non-nil final frame is queued on each connection first;
// closing the sink flushes it ahead of the close frame.
func (r *Registry) DisconnectUser(userID string, final []byte) int {
	n := 0
	for _, c := range r.ConnectionsOf(userID) {
		if final != nil && c.deliver(final) == delivered {
			metrics.Deliveries.WithLabelValues("delivered").Inc()
		}
		if r.Unregister(c.ID) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("user disconnected", zap.String("user_id", userID), zap.Int("connections", n))
	}
	return n
}

// CloseAll tears down every connection. Used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Unregister(id) {
			n++
		}
	}
	return n
}
