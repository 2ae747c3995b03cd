package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject relay frames travel on.
const DefaultSubject = "realtime.fanout"

// NATSBroker relays frames over core NATS publish/subscribe.
type NATSBroker struct {
	conn    *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBroker creates a broker on an existing connection.
func NewNATSBroker(conn *nats.Conn, subject string) *NATSBroker {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSBroker{conn: conn, subject: subject}
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, data []byte) error {
	return b.conn.Publish(b.subject, data)
}

// Subscribe implements Broker.
func (b *NATSBroker) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, outboxSize)
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
			// Receiver is behind; drop rather than stall the NATS dispatcher.
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}
	// Frames published by this connection after Subscribe returns must be seen.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()
	return ch, nil
}

// Close implements Broker. The connection itself is owned by the caller.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	if err == nats.ErrConnectionClosed {
		return nil
	}
	return err
}
