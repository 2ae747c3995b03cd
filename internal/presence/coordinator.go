// Package presence tracks short-lived typing indicators per conversation.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

const (
	DefaultExpiry        = 2 * time.Second
	DefaultSweepInterval = 250 * time.Millisecond
)

// Publisher is the part of the room table the coordinator needs.
type Publisher interface {
	Publish(id realtime.RoomID, ev model.Event, opts ...realtime.PublishOption) int
}

type key struct {
	conversationID string
	userID         string
}

// Coordinator holds at most one typing state per (conversation, user) and
// guarantees every published start is followed by exactly one stop.
type Coordinator struct {
	pub      Publisher
	log      *logger.Logger
	expiry   time.Duration
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active map[key]time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExpiry sets how long an unrefreshed indicator lives.
func WithExpiry(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.expiry = d
		}
	}
}

// WithSweepInterval sets how often Run sweeps expired indicators.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator publishing through pub.
func New(pub Publisher, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		pub:      pub,
		log:      log.Named("presence"),
		expiry:   DefaultExpiry,
		interval: DefaultSweepInterval,
		now:      time.Now,
		active:   make(map[key]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkTyping inserts or refreshes the typing state of a user. It reports
// true when the indicator went from inactive to active, which is the only
// case that publishes user-typing.
func (c *Coordinator) MarkTyping(conversationID, userID string) bool {
	k := key{conversationID, userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.active[k]
	c.active[k] = c.now()
	if exists {
		return false
	}

	c.publish(model.EventUserTyping, k)
	metrics.TypingTransitions.WithLabelValues("started").Inc()
	return true
}

// ClearTyping removes the typing state of a user. It reports whether an
// indicator was active.
func (c *Coordinator) ClearTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(key{conversationID, userID}, "stopped")
}

// ClearUser stops every indicator of a user, e.g. when their last
// connection goes away.
func (c *Coordinator) ClearUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.active {
		if k.userID == userID && c.stopLocked(k, "disconnected") {
			n++
		}
	}
	return n
}

// Active reports whether a user is currently shown typing.
func (c *Coordinator) Active(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key{conversationID, userID}]
	return ok
}

// Sweep stops every indicator not refreshed within the expiry window as of
// now and returns how many were stopped.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, last := range c.active {
		if now.Sub(last) >= c.expiry && c.stopLocked(k, "expired") {
			n++
		}
	}
	return n
}

// Run sweeps on a ticker until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("typing sweep started",
		zap.Duration("expiry", c.expiry),
		zap.Duration("interval", c.interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.log.Debug("expired typing indicators", zap.Int("count", n))
			}
		}
	}
}

func (c *Coordinator) stopLocked(k key, cause string) bool {
	if _, ok := c.active[k]; !ok {
		return false
	}
	delete(c.active, k)
	c.publish(model.EventUserStoppedTyping, k)
	metrics.TypingTransitions.WithLabelValues(cause).Inc()
	return true
}

// publish runs under c.mu so starts and stops reach the room in order.
// Room table publishes never block.
func (c *Coordinator) publish(name string, k key) {
	c.pub.Publish(
		realtime.ConversationRoom(k.conversationID),
		model.Event{Name: name, Data: model.TypingPayload{ConversationID: k.conversationID, UserID: k.userID}},
		realtime.ExcludeUser(k.userID),
	)
}
