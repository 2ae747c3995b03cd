// Package dispatch validates events, resolves their target rooms and
// publishes them to the room table in delivery order.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/presence"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// Dispatcher routes events to rooms. Every conversation publish happens
// under that conversation's lock, so members see messages in sequence order
// and a catch-up replay never overlaps live delivery.
type Dispatcher struct {
	reg    *realtime.Registry
	rooms  *realtime.RoomTable
	convs  store.ConversationStore
	typing *presence.Coordinator
	seq    *store.KeyedMutex
	log    *logger.Logger
}

// New creates a dispatcher.
func New(
	reg *realtime.Registry,
	rooms *realtime.RoomTable,
	convs store.ConversationStore,
	typing *presence.Coordinator,
	log *logger.Logger,
) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		rooms:  rooms,
		convs:  convs,
		typing: typing,
		seq:    store.NewKeyedMutex(),
		log:    log.Named("dispatch"),
	}
	reg.OnUnregister(d.connectionClosed)
	return d
}

// connectionClosed stops the typing indicators of a user once their last
// connection on this node is gone.
// userInRoom reports whether any connection of the user is still a member.
func (d *Dispatcher) userInRoom(userID string, id realtime.RoomID) bool {
	for _, c := range d.reg.ConnectionsOf(userID) {
		if c.InRoom(id) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) connectionClosed(c *realtime.Connection) {
	userID := c.Identity().UserID
	if userID == "" || d.typing == nil {
		return
	}
	if len(d.reg.ConnectionsOf(userID)) > 0 {
		return
	}
	d.typing.ClearUser(userID)
}

// Join adds a connection to a room after checking its identity may receive
// the room's events, and acknowledges with a joined event.
func (d *Dispatcher) Join(ctx context.Context, connID string, id realtime.RoomID) error {
	conn, ok := d.reg.Get(connID)
	if !ok {
		return realtime.ErrUnknownConnection
	}
	if err := d.Authorize(ctx, conn.Identity(), id); err != nil {
		return err
	}
	if _, err := d.rooms.Join(id, connID); err != nil {
		return err
	}
	return d.ack(connID, model.EventJoined, id)
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is acknowledged all the same.
func (d *Dispatcher) Leave(connID string, id realtime.RoomID) error {
	conn, ok := d.reg.Get(connID)
	if !ok {
		return realtime.ErrUnknownConnection
	}
	d.rooms.Leave(id, connID)
	if userID := conn.Identity().UserID; id.Kind == realtime.KindConversation && !d.userInRoom(userID, id) {
		d.typing.ClearTyping(id.ID, userID)
	}
	return d.ack(connID, model.EventLeft, id)
}

func (d *Dispatcher) ack(connID, name string, id realtime.RoomID) error {
	err := d.rooms.SendTo(connID, model.Event{Name: name, Data: model.RoomPayload{Room: id.String()}})
	if errors.Is(err, realtime.ErrSlowConsumer) || errors.Is(err, realtime.ErrConnectionClosed) {
		return nil
	}
	return err
}

// JoinChat joins a conversation room. With after set, stored messages with a
// greater sequence are replayed to this connection first, followed by
// replay_complete; later messages arrive live exactly once.
func (d *Dispatcher) JoinChat(ctx context.Context, connID, conversationID string, after *uint64) error {
	id := realtime.ConversationRoom(conversationID)
	if after == nil {
		return d.Join(ctx, connID, id)
	}

	unlock := d.seq.Lock(conversationID)
	defer unlock()

	if err := d.Join(ctx, connID, id); err != nil {
		return err
	}

	cursor, count := *after, 0
	for {
		page, more, err := d.convs.MessagesAfter(ctx, conversationID, cursor, store.MaxPageSize)
		if err != nil {
			return fmt.Errorf("%w: replay: %v", model.ErrStoreUnavailable, err)
		}
		for i := range page {
			ev := model.Event{
				Name: model.EventNewMessage,
				Data: model.NewMessagePayload{ConversationID: conversationID, Message: page[i]},
			}
			if err := d.rooms.SendTo(connID, ev); err != nil {
				return err
			}
			cursor = page[i].Sequence
			count++
		}
		if !more || len(page) == 0 {
			break
		}
	}

	d.log.Debug("replay complete",
		zap.String("connection_id", connID),
		zap.String("conversation_id", conversationID),
		zap.Int("messages", count),
	)
	return d.rooms.SendTo(connID, model.Event{
		Name: model.EventReplayComplete,
		Data: model.ReplayCompletePayload{ConversationID: conversationID, LastSequence: cursor, MessageCount: count},
	})
}

// AppendMessage stores a message and publishes new-message. The first turn
// of a new conversation also reaches the owner's user room, since the client
// cannot have joined the conversation room before learning its id; a
// connection in both rooms receives it once. Nothing is published when the
// append fails.
func (d *Dispatcher) AppendMessage(ctx context.Context, conv *model.Conversation, msg *model.Message, firstTurn bool) (uint64, error) {
	unlock := d.seq.Lock(conv.ID)
	defer unlock()

	seq, err := d.convs.AppendMessage(ctx, conv.ID, msg)
	if err != nil {
		return 0, err
	}

	targets := []realtime.RoomID{realtime.ConversationRoom(conv.ID)}
	if firstTurn {
		targets = append(targets, realtime.UserRoom(conv.UserID))
	}
	n := d.rooms.PublishMany(targets, model.Event{
		Name: model.EventNewMessage,
		Data: model.NewMessagePayload{ConversationID: conv.ID, Message: *msg},
	})

	d.log.Debug("message dispatched",
		zap.String("conversation_id", conv.ID),
		zap.Uint64("sequence", seq),
		zap.String("sender", string(msg.Sender)),
		zap.Bool("first_turn", firstTurn),
		zap.Int("connections", n),
	)
	return seq, nil
}

// CloseConversation closes a conversation and publishes conversation_closed
// to its room.
func (d *Dispatcher) CloseConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	unlock := d.seq.Lock(conversationID)
	defer unlock()

	conv, err := d.convs.CloseConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	d.rooms.PublishMany(conversationRooms(conv), model.Event{Name: model.EventConversationClosed, Data: conv})
	return conv, nil
}

// AssignConversation assigns an admin and publishes conversation_updated.
func (d *Dispatcher) AssignConversation(ctx context.Context, conversationID, adminID string) (*model.Conversation, error) {
	unlock := d.seq.Lock(conversationID)
	defer unlock()

	conv, err := d.convs.AssignConversation(ctx, conversationID, adminID)
	if err != nil {
		return nil, err
	}
	d.rooms.PublishMany(conversationRooms(conv), model.Event{Name: model.EventConversationUpdate, Data: conv})
	return conv, nil
}

// conversationRooms reaches the participant even before they join the room.
func conversationRooms(conv *model.Conversation) []realtime.RoomID {
	return []realtime.RoomID{realtime.ConversationRoom(conv.ID), realtime.UserRoom(conv.UserID)}
}

// PublishAnnouncement sends new_announcement to the scoped audience room and
// the all room. A connection in both receives it once.
func (d *Dispatcher) PublishAnnouncement(a *model.Announcement) int {
	n := d.rooms.PublishMany(AnnouncementRooms(a.Audience), model.Event{Name: model.EventNewAnnouncement, Data: a})
	d.log.Info("announcement published",
		zap.String("announcement_id", a.ID),
		zap.String("audience", string(a.Audience)),
		zap.String("priority", string(a.Priority)),
		zap.Int("connections", n),
	)
	return n
}

// NotifyUser pushes a notification to the recipient's user room. The event
// is named after the notification type.
func (d *Dispatcher) NotifyUser(n *model.Notification) int {
	return d.rooms.Publish(realtime.UserRoom(n.UserID), model.Event{Name: string(n.Type), Data: n})
}

// DisconnectUser delivers the notification to every connection of its user,
// joined to the user room or not, then closes them on every node.
func (d *Dispatcher) DisconnectUser(n *model.Notification) int {
	return d.rooms.DisconnectUser(n.UserID, model.Event{Name: string(n.Type), Data: n})
}

// PublishIssueUpdate sends issue_update to the owner and to staff watching
// the issue.
func (d *Dispatcher) PublishIssueUpdate(ownerID string, p model.IssueUpdatePayload) int {
	targets := []realtime.RoomID{realtime.IssueRoom(p.IssueID)}
	if ownerID != "" {
		targets = append(targets, realtime.UserRoom(ownerID))
	}
	return d.rooms.PublishMany(targets, model.Event{Name: model.EventIssueUpdate, Data: p})
}

// PublishFunding sends funding_update to the campaign room.
func (d *Dispatcher) PublishFunding(p model.FundingUpdatePayload) int {
	return d.rooms.Publish(realtime.CampaignRoom(p.CampaignID), model.Event{Name: model.EventFundingUpdate, Data: p})
}

// Typing records a typing signal from a connection. The connection must be
// in the conversation room, and a userId in the payload must match its
// identity.
func (d *Dispatcher) Typing(connID string, p model.TypingPayload, active bool) error {
	conn, ok := d.reg.Get(connID)
	if !ok {
		return realtime.ErrUnknownConnection
	}
	ident := conn.Identity()
	if !ident.Authenticated() {
		return model.ErrAuthenticationRequired
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", model.ErrInvalidEvent)
	}
	if p.UserID != "" && p.UserID != ident.UserID {
		return fmt.Errorf("%w: typing as another user", model.ErrAuthorizationDenied)
	}
	if !conn.InRoom(realtime.ConversationRoom(p.ConversationID)) {
		return fmt.Errorf("%w: not in conversation %s", model.ErrAuthorizationDenied, p.ConversationID)
	}

	if active {
		d.typing.MarkTyping(p.ConversationID, ident.UserID)
	} else {
		d.typing.ClearTyping(p.ConversationID, ident.UserID)
	}
	return nil
}
