package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/civic-connect/realtime-core/internal/model"
)

var (
	// ErrUnknownConnection is returned for connection ids the registry does not hold.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrConnectionClosed is returned when acting on a torn-down connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrIdentityConflict is returned when rebinding a connection to another user.
	ErrIdentityConflict = errors.New("connection already bound to another user")

	// ErrSlowConsumer is returned when a connection's send buffer is full.
	ErrSlowConsumer = errors.New("slow consumer")
)

// Sink is the transport side of a connection.
type Sink interface {
	// Send enqueues data without blocking. It returns false when the
	// transport cannot accept more data.
	Send(data []byte) bool

	// Close stops the transport after queued data is flushed. Calls after
	// the first are no-ops.
	Close()
}

type deliveryResult int

const (
	delivered deliveryResult = iota
	deliveryFull
	deliveryClosed
)

// Connection is one live client connection. It is owned by the Registry.
type Connection struct {
	ID        string
	CreatedAt time.Time

	sink Sink

	mu     sync.RWMutex
	ident  model.Identity
	rooms  map[RoomID]struct{}
	closed bool
}

func newConnection(id string, sink Sink, now time.Time) *Connection {
	return &Connection{
		ID:        id,
		CreatedAt: now,
		sink:      sink,
		rooms:     make(map[RoomID]struct{}),
	}
}

// Identity returns the bound identity, zero until bound.
func (c *Connection) Identity() model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ident
}

// Authenticated reports whether an identity is bound.
func (c *Connection) Authenticated() bool {
	return c.Identity().Authenticated()
}

// Closed reports whether the connection was torn down.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Rooms returns the rooms the connection belongs to, sorted by name.
func (c *Connection) Rooms() []RoomID {
	c.mu.RLock()
	out := make([]RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// InRoom reports whether the connection belongs to the room.
func (c *Connection) InRoom(id RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[id]
	return ok
}

// Send delivers one event to this connection only. It is used for
// connection-scoped diagnostics and catch-up replay.
func (c *Connection) Send(ev model.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	switch c.deliver(data) {
	case deliveryClosed:
		return ErrConnectionClosed
	case deliveryFull:
		return ErrSlowConsumer
	}
	return nil
}

func (c *Connection) deliver(data []byte) deliveryResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return deliveryClosed
	}
	if !c.sink.Send(data) {
		return deliveryFull
	}
	return delivered
}

func (c *Connection) bind(ident model.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.ident.UserID != "" && c.ident.UserID != ident.UserID {
		return ErrIdentityConflict
	}
	c.ident = ident
	return nil
}

// track records room membership; it fails once the connection is closed.
func (c *Connection) track(id RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[id] = struct{}{}
	return true
}

func (c *Connection) untrack(id RoomID) {
	c.mu.Lock()
	delete(c.rooms, id)
	c.mu.Unlock()
}

// close marks the connection closed, stops the sink and returns the rooms it
// still belonged to. Only the first call returns rooms.
func (c *Connection) close() ([]RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true

	rooms := make([]RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.rooms = make(map[RoomID]struct{})
	c.sink.Close()
	return rooms, true
}
