package realtime

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

// Exclusion names recipients a publish skips.
type Exclusion struct {
	UserID       string `json:"userId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (e Exclusion) skips(c *Connection) bool {
	if e.ConnectionID != "" && c.ID == e.ConnectionID {
		return true
	}
	return e.UserID != "" && c.Identity().UserID == e.UserID
}

// PublishOption adjusts a single publish.
type PublishOption func(*Exclusion)

// ExcludeUser skips every connection bound to the user.
func ExcludeUser(userID string) PublishOption {
	return func(e *Exclusion) { e.UserID = userID }
}

// ExcludeConnection skips one connection.
func ExcludeConnection(connID string) PublishOption {
	return func(e *Exclusion) { e.ConnectionID = connID }
}

// Relay mirrors local publishes and forced disconnects to peer nodes.
type Relay interface {
	Forward(rooms []RoomID, data []byte, ex Exclusion)
	ForwardDisconnect(userID string, data []byte)
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Connection
	dead    bool
}

// RoomTable maps rooms to member connections and fans events out to them.
// Rooms are created on first join and removed when their last member
// leaves, except audience rooms which always exist.
type RoomTable struct {
	reg   *Registry
	log   *logger.Logger
	relay Relay

	mu    sync.Mutex
	rooms map[RoomID]*room
}

// NewRoomTable creates a room table bound to the registry.
func NewRoomTable(reg *Registry, log *logger.Logger) *RoomTable {
	t := &RoomTable{
		reg:   reg,
		log:   log.Named("rooms"),
		rooms: make(map[RoomID]*room),
	}
	for _, a := range model.Audiences {
		t.rooms[AudienceRoom(a)] = &room{members: make(map[string]*Connection)}
		metrics.RoomsActive.WithLabelValues(string(KindAudience)).Inc()
	}
	reg.rooms = t
	return t
}

// SetRelay installs a relay for cross-node fan-out. It must be called before
// the table is used.
func (t *RoomTable) SetRelay(r Relay) {
	t.relay = r
}

// Join adds a connection to a room. It reports false when the connection was
// already a member. Only authenticated connections may join.
func (t *RoomTable) Join(id RoomID, connID string) (bool, error) {
	if !id.Valid() {
		return false, ErrInvalidRoom
	}
	conn, ok := t.reg.Get(connID)
	if !ok {
		return false, ErrUnknownConnection
	}
	if !conn.Authenticated() {
		return false, model.ErrAuthenticationRequired
	}

	for {
		rm := t.getOrCreate(id)

		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			t.drop(id, rm)
			continue
		}
		if _, exists := rm.members[conn.ID]; exists {
			rm.mu.Unlock()
			return false, nil
		}
		if !conn.track(id) {
			empty := t.markDeadIfEmpty(id, rm)
			rm.mu.Unlock()
			if empty {
				t.drop(id, rm)
			}
			return false, ErrConnectionClosed
		}
		rm.members[conn.ID] = conn
		rm.mu.Unlock()
		return true, nil
	}
}

// Leave removes a connection from a room. It reports whether the connection
// was a member.
func (t *RoomTable) Leave(id RoomID, connID string) bool {
	conn, ok := t.reg.Get(connID)
	if !ok {
		return false
	}
	return t.remove(id, conn, true)
}

// MembersOf returns the connection ids in a room.
func (t *RoomTable) MembersOf(id RoomID) []string {
	rm := t.lookup(id)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]string, 0, len(rm.members))
	for cid := range rm.members {
		out = append(out, cid)
	}
	return out
}

// Exists reports whether the table holds the room.
func (t *RoomTable) Exists(id RoomID) bool {
	return t.lookup(id) != nil
}

// Count returns the number of rooms held, audience rooms included.
func (t *RoomTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// Publish sends an event to every member of a room and returns the number of
// connections that accepted it.
func (t *RoomTable) Publish(id RoomID, ev model.Event, opts ...PublishOption) int {
	return t.PublishMany([]RoomID{id}, ev, opts...)
}

// PublishMany sends an event once to every connection in the union of the
// rooms. A connection in several of the rooms receives it once.
func (t *RoomTable) PublishMany(ids []RoomID, ev model.Event, opts ...PublishOption) int {
	data, err := ev.Encode()
	if err != nil {
		t.log.Error("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
		return 0
	}

	var ex Exclusion
	for _, opt := range opts {
		opt(&ex)
	}

	n := t.deliver(ids, data, ex)
	metrics.EventsPublished.WithLabelValues(ev.Name).Inc()

	if t.relay != nil {
		t.relay.Forward(ids, data, ex)
	}
	return n
}

// DeliverRemote delivers an already encoded event received from a peer node
// to local members only.
func (t *RoomTable) DeliverRemote(ids []RoomID, data []byte, ex Exclusion) int {
	return t.deliver(ids, data, ex)
}

// DisconnectUser gives every connection of the user the final event and then
// tears it down, on this node and on peers. Each connection receives the
// event once whether or not it joined its user room. It returns the number of
// local connections closed.
func (t *RoomTable) DisconnectUser(userID string, final model.Event) int {
	data, err := final.Encode()
	if err != nil {
		t.log.Error("failed to encode event", zap.String("event", final.Name), zap.Error(err))
		return 0
	}
	n := t.reg.DisconnectUser(userID, data)
	metrics.EventsPublished.WithLabelValues(final.Name).Inc()

	if t.relay != nil {
		t.relay.ForwardDisconnect(userID, data)
	}
	return n
}

// DisconnectRemote applies a forced disconnect received from a peer node.
func (t *RoomTable) DisconnectRemote(userID string, data []byte) int {
	return t.reg.DisconnectUser(userID, data)
}

// SendTo delivers an event to one connection.
func (t *RoomTable) SendTo(connID string, ev model.Event) error {
	conn, ok := t.reg.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	err := conn.Send(ev)
	if errors.Is(err, ErrSlowConsumer) {
		t.evict(conn)
	}
	return err
}

func (t *RoomTable) deliver(ids []RoomID, data []byte, ex Exclusion) int {
	n := 0
	for _, c := range t.snapshot(ids, ex) {
		switch c.deliver(data) {
		case delivered:
			n++
			metrics.Deliveries.WithLabelValues("delivered").Inc()
		case deliveryFull:
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			t.evict(c)
		case deliveryClosed:
			metrics.Deliveries.WithLabelValues("closed").Inc()
		}
	}
	return n
}

// snapshot collects the deduplicated members of the rooms at call time.
func (t *RoomTable) snapshot(ids []RoomID, ex Exclusion) []*Connection {
	seen := make(map[string]struct{})
	var out []*Connection
	for _, id := range ids {
		rm := t.lookup(id)
		if rm == nil {
			continue
		}
		rm.mu.RLock()
		for cid, c := range rm.members {
			if _, dup := seen[cid]; dup {
				continue
			}
			seen[cid] = struct{}{}
			if ex.skips(c) {
				continue
			}
			out = append(out, c)
		}
		rm.mu.RUnlock()
	}
	return out
}

// evict tears down a connection whose buffer is full. Teardown runs on its own
// goroutine so a publisher never waits on it.
func (t *RoomTable) evict(c *Connection) {
	t.log.Warn("evicting slow consumer",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.Identity().UserID),
	)
	go t.reg.Unregister(c.ID)
}

func (t *RoomTable) lookup(id RoomID) *room {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms[id]
}

func (t *RoomTable) getOrCreate(id RoomID) *room {
	t.mu.Lock()
	defer t.mu.Unlock()
	rm, ok := t.rooms[id]
	if !ok {
		rm = &room{members: make(map[string]*Connection)}
		t.rooms[id] = rm
		metrics.RoomsActive.WithLabelValues(string(id.Kind)).Inc()
	}
	return rm
}

// drop removes a dead room from the table if it is still the mapped one.
func (t *RoomTable) drop(id RoomID, rm *room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rooms[id] == rm {
		delete(t.rooms, id)
		metrics.RoomsActive.WithLabelValues(string(id.Kind)).Dec()
	}
}

// markDeadIfEmpty must be called with rm.mu held.
func (t *RoomTable) markDeadIfEmpty(id RoomID, rm *room) bool {
	if id.Persistent() || rm.dead || len(rm.members) > 0 {
		return false
	}
	rm.dead = true
	return true
}

func (t *RoomTable) remove(id RoomID, conn *Connection, untrack bool) bool {
	rm := t.lookup(id)
	if rm == nil {
		if untrack {
			conn.untrack(id)
		}
		return false
	}

	rm.mu.Lock()
	_, member := rm.members[conn.ID]
	if member {
		delete(rm.members, conn.ID)
	}
	if untrack {
		conn.untrack(id)
	}
	empty := t.markDeadIfEmpty(id, rm)
	rm.mu.Unlock()

	if empty {
		t.drop(id, rm)
	}
	return member
}
