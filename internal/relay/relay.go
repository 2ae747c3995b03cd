// Package relay mirrors room publishes between nodes so a client connected to
// any node receives events published on every node.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

const outboxSize = 1024

// Broker moves encoded relay frames between nodes.
type Broker interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe delivers frames from every node, this one included, until
	// ctx is done or the broker is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Deliverer hands relayed events to local room members.
type Deliverer interface {
	DeliverRemote(ids []realtime.RoomID, data []byte, ex realtime.Exclusion) int
	DisconnectRemote(userID string, data []byte) int
}

// Envelope is one relayed publish. When Disconnect is set the frame is a
// forced disconnect: Data is the final event for that user's connections and
// Rooms is empty.
type Envelope struct {
	Origin     string             `json:"origin"`
	Rooms      []string           `json:"rooms,omitempty"`
	Exclude    realtime.Exclusion `json:"exclude,omitempty"`
	Disconnect string             `json:"disconnect,omitempty"`
	Data       json.RawMessage    `json:"data"`
}

// Relay implements realtime.Relay on top of a Broker.
type Relay struct {
	nodeID string
	broker Broker
	local  Deliverer
	log    *logger.Logger
	outbox chan []byte
}

// New creates a relay for the node.
func New(nodeID string, broker Broker, local Deliverer, log *logger.Logger) *Relay {
	return &Relay{
		nodeID: nodeID,
		broker: broker,
		local:  local,
		log:    log.Named("relay").With(zap.String("node_id", nodeID)),
		outbox: make(chan []byte, outboxSize),
	}
}

// Forward queues a local publish for peers. It never blocks; when the outbox
// is full the frame is dropped and counted.
func (r *Relay) Forward(rooms []realtime.RoomID, data []byte, ex realtime.Exclusion) {
	names := make([]string, len(rooms))
	for i, id := range rooms {
		names[i] = id.String()
	}
	r.enqueue(Envelope{Origin: r.nodeID, Rooms: names, Exclude: ex, Data: data})
}

// ForwardDisconnect asks peers to give the user's connections the final
// event and close them.
func (r *Relay) ForwardDisconnect(userID string, data []byte) {
	r.enqueue(Envelope{Origin: r.nodeID, Disconnect: userID, Data: data})
}

func (r *Relay) enqueue(env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode relay frame", zap.Error(err))
		return
	}

	select {
	case r.outbox <- frame:
	default:
		metrics.RelayMessages.WithLabelValues("out", "dropped").Inc()
		r.log.Warn("relay outbox full, dropping frame")
	}
}

// Run publishes queued frames and delivers frames from peers until ctx is
// done. Frames are published by a single goroutine so peers see them in
// local publish order.
func (r *Relay) Run(ctx context.Context) error {
	frames, err := r.broker.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}

	go r.publishLoop(ctx)

	r.log.Info("relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			r.receive(frame)
		}
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-r.outbox:
			if err := r.broker.Publish(ctx, frame); err != nil {
				metrics.RelayMessages.WithLabelValues("out", "error").Inc()
				r.log.Warn("failed to publish relay frame", zap.Error(err))
				continue
			}
			metrics.RelayMessages.WithLabelValues("out", "sent").Inc()
		}
	}
}

func (r *Relay) receive(frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		metrics.RelayMessages.WithLabelValues("in", "invalid").Inc()
		r.log.Warn("dropping undecodable relay frame", zap.Error(err))
		return
	}
	if env.Origin == r.nodeID {
		return
	}

	if env.Disconnect != "" {
		n := r.local.DisconnectRemote(env.Disconnect, env.Data)
		metrics.RelayMessages.WithLabelValues("in", "disconnect").Inc()
		r.log.Info("relayed disconnect applied",
			zap.String("origin", env.Origin),
			zap.String("user_id", env.Disconnect),
			zap.Int("connections", n),
		)
		return
	}

	rooms := make([]realtime.RoomID, 0, len(env.Rooms))
	for _, name := range env.Rooms {
		id, err := realtime.ParseRoomID(name)
		if err != nil {
			r.log.Warn("dropping relayed room", zap.String("room", name), zap.Error(err))
			continue
		}
		rooms = append(rooms, id)
	}

	n := r.local.DeliverRemote(rooms, env.Data, env.Exclude)
	metrics.RelayMessages.WithLabelValues("in", "delivered").Inc()
	r.log.Debug("relayed frame delivered",
		zap.String("origin", env.Origin),
		zap.Strings("rooms", env.Rooms),
		zap.Int("connections", n),
	)
}

// Close closes the broker.
func (r *Relay) Close() error {
	return r.broker.Close()
}
