package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
)

// MaxMessageLength bounds a chat message body.
const MaxMessageLength = 4000

// SendMessage stores a citizen's chat message, publishes it, then stores
// and publishes the assistant reply. Without a conversation id the user's
// open conversation is resumed or created, and both messages also reach the
// user's own room.
func (b *Bridge) SendMessage(ctx context.Context, ident model.Identity, req model.SendMessageRequest) (resp *model.SendMessageResponse, err error) {
	ctx, finish := b.begin(ctx, "send_message", ident, attribute.String("conversation.id", req.ConversationID))
	defer func() { finish(err) }()

	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || len(content) > MaxMessageLength {
		return nil, fmt.Errorf("%w: content must be 1-%d characters", model.ErrInvalidEvent, MaxMessageLength)
	}

	firstTurn := req.ConversationID == ""
	var (
		conv    *model.Conversation
		created bool
	)
	if firstTurn {
		conv, created, err = b.convs.GetOrCreateConversation(ctx, ident.UserID)
		if err != nil {
			return nil, storeErr("get or create conversation", err)
		}
	} else {
		conv, err = b.convs.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, storeErr("load conversation", err)
		}
		if conv.UserID != ident.UserID {
			return nil, fmt.Errorf("%w: conversation %s", model.ErrAuthorizationDenied, conv.ID)
		}
		if !conv.IsOpen() {
			return nil, model.ErrConversationClosed
		}
	}

	msg := &model.Message{Sender: model.SenderUser, SenderID: ident.UserID, Body: content}
	seq, err := b.disp.AppendMessage(ctx, conv, msg, firstTurn)
	if err != nil {
		return nil, storeErr("append message", err)
	}

	resp = &model.SendMessageResponse{
		ConversationID:  conv.ID,
		NewConversation: created,
		ClientMessageID: req.ClientMessageID,
		Message:         msg,
	}

	// An assigned conversation is handled by its admin.
	if conv.AssignedAdminID != nil {
		return resp, nil
	}

	history := b.history(ctx, conv.ID, seq)
	reply := b.assistant.Reply(ctx, content, history)
	if _, err := b.disp.AppendMessage(ctx, conv, reply, firstTurn); err != nil {
		// The citizen's message is stored and delivered; only the reply is lost.
		b.log.Error("failed to store assistant reply",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
		return resp, nil
	}
	resp.Reply = reply
	return resp, nil
}

// history returns the messages before seq, bounded to historyWindow.
func (b *Bridge) history(ctx context.Context, conversationID string, seq uint64) []model.Message {
	var after uint64
	if seq > historyWindow+1 {
		after = seq - historyWindow - 1
	}
	msgs, _, err := b.convs.MessagesAfter(ctx, conversationID, after, historyWindow)
	if err != nil {
		b.log.Warn("failed to load history for classifier", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Sequence < seq {
			out = append(out, m)
		}
	}
	return out
}

// AdminSendMessage stores and publishes an admin reply, and leaves the
// participant a message notification.
func (b *Bridge) AdminSendMessage(ctx context.Context, ident model.Identity, conversationID string, req model.AdminMessageRequest) (msg *model.Message, err error) {
	ctx, finish := b.begin(ctx, "admin_send_message", ident, attribute.String("conversation.id", conversationID))
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || len(content) > MaxMessageLength {
		return nil, fmt.Errorf("%w: content must be 1-%d characters", model.ErrInvalidEvent, MaxMessageLength)
	}

	conv, err := b.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr("load conversation", err)
	}
	if !conv.IsOpen() {
		return nil, model.ErrConversationClosed
	}

	msg = &model.Message{Sender: model.SenderAdmin, SenderID: ident.UserID, Body: content}
	if _, err := b.disp.AppendMessage(ctx, conv, msg, false); err != nil {
		return nil, storeErr("append message", err)
	}

	n := b.newNotification(conv.UserID, model.NotificationMessage, "New reply from city staff", preview(content),
		map[string]any{"conversationId": conv.ID, "messageId": msg.ID})
	if err := b.notes.CreateNotification(ctx, n); err != nil {
		b.log.Warn("failed to store message notification", zap.String("conversation_id", conv.ID), zap.Error(err))
		return msg, nil
	}
	b.disp.NotifyUser(n)
	return msg, nil
}

// CloseConversation closes a conversation. It stays readable.
func (b *Bridge) CloseConversation(ctx context.Context, ident model.Identity, conversationID string) (conv *model.Conversation, err error) {
	ctx, finish := b.begin(ctx, "close_conversation", ident, attribute.String("conversation.id", conversationID))
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}
	conv, err = b.disp.CloseConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr("close conversation", err)
	}
	return conv, nil
}

// AssignConversation assigns a conversation to an admin. An empty admin id
// assigns it to the caller.
func (b *Bridge) AssignConversation(ctx context.Context, ident model.Identity, conversationID string, req model.AssignConversationRequest) (conv *model.Conversation, err error) {
	ctx, finish := b.begin(ctx, "assign_conversation", ident, attribute.String("conversation.id", conversationID))
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}
	adminID := strings.TrimSpace(req.AdminID)
	if adminID == "" {
		adminID = ident.UserID
	}
	conv, err = b.disp.AssignConversation(ctx, conversationID, adminID)
	if err != nil {
		return nil, storeErr("assign conversation", err)
	}
	return conv, nil
}

func preview(s string) string {
	const limit = 140
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
