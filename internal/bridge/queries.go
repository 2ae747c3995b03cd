package bridge

import (
	"context"
	"fmt"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/store"
)

// ListConversations lists the caller's conversations; admins see all.
func (b *Bridge) ListConversations(ctx context.Context, ident model.Identity) ([]model.Conversation, error) {
	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	userID := ident.UserID
	if ident.Role.IsAdmin() {
		userID = ""
	}
	convs, err := b.convs.ListConversations(ctx, userID)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	return convs, nil
}

// GetConversation loads a conversation the caller participates in or
// administers.
func (b *Bridge) GetConversation(ctx context.Context, ident model.Identity, conversationID string) (*model.Conversation, error) {
	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	if _, err := b.readable(ctx, ident, conversationID); err != nil {
		return nil, err
	}
	conv, err := b.convs.LoadConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr("load conversation", err)
	}
	return conv, nil
}

// readable returns the conversation record if ident may read it.
func (b *Bridge) readable(ctx context.Context, ident model.Identity, conversationID string) (*model.Conversation, error) {
	conv, err := b.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	if conv.UserID != ident.UserID && !ident.Role.IsAdmin() {
		return nil, fmt.Errorf("%w: conversation %s", model.ErrAuthorizationDenied, conversationID)
	}
	return conv, nil
}

// ListMessages returns messages after a sequence for catch-up.
func (b *Bridge) ListMessages(ctx context.Context, ident model.Identity, conversationID string, after uint64, limit int) (*model.ListMessagesResponse, error) {
	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	conv, err := b.readable(ctx, ident, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, more, err := b.convs.MessagesAfter(ctx, conversationID, after, store.ClampLimit(limit))
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{
		ConversationID: conversationID,
		Messages:       msgs,
		HasMore:        more,
		LastSequence:   conv.LastSequence,
	}, nil
}

// ListNotifications returns the caller's notifications and unread count.
func (b *Bridge) ListNotifications(ctx context.Context, ident model.Identity, limit int, unreadOnly bool) (*model.ListNotificationsResponse, error) {
	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	list, err := b.notes.ListNotifications(ctx, ident.UserID, store.ClampLimit(limit), unreadOnly)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	unread, err := b.notes.UnreadCount(ctx, ident.UserID)
	if err != nil {
		return nil, storeErr("count notifications", err)
	}
	if list == nil {
		list = []model.Notification{}
	}
	return &model.ListNotificationsResponse{Notifications: list, Unread: unread}, nil
}

// UnreadCount returns the caller's unread notification count.
func (b *Bridge) UnreadCount(ctx context.Context, ident model.Identity) (int64, error) {
	if err := requireAuth(ident); err != nil {
		return 0, err
	}
	n, err := b.notes.UnreadCount(ctx, ident.UserID)
	if err != nil {
		return 0, storeErr("count notifications", err)
	}
	return n, nil
}

// MarkNotificationRead marks one of the caller's notifications read.
func (b *Bridge) MarkNotificationRead(ctx context.Context, ident model.Identity, notificationID string) error {
	if err := requireAuth(ident); err != nil {
		return err
	}
	if err := b.notes.MarkNotificationRead(ctx, ident.UserID, notificationID); err != nil {
		return storeErr("mark notification read", err)
	}
	return nil
}

// MarkAllNotificationsRead marks every notification of the caller read.
func (b *Bridge) MarkAllNotificationsRead(ctx context.Context, ident model.Identity) (int64, error) {
	if err := requireAuth(ident); err != nil {
		return 0, err
	}
	n, err := b.notes.MarkAllNotificationsRead(ctx, ident.UserID)
	if err != nil {
		return 0, storeErr("mark notifications read", err)
	}
	return n, nil
}

// ListAnnouncements returns announcements visible to the caller's role so
// late joiners can catch up.
func (b *Bridge) ListAnnouncements(ctx context.Context, ident model.Identity, limit int) ([]model.Announcement, error) {
	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	list, err := b.anns.ListAnnouncements(ctx, ident.UserID, model.AudiencesFor(ident.Role), store.ClampLimit(limit))
	if err != nil {
		return nil, storeErr("list announcements", err)
	}
	if list == nil {
		list = []model.Announcement{}
	}
	return list, nil
}

// MarkAnnouncementRead records that the caller read an announcement.
func (b *Bridge) MarkAnnouncementRead(ctx context.Context, ident model.Identity, announcementID string) error {
	if err := requireAuth(ident); err != nil {
		return err
	}
	if err := b.anns.MarkAnnouncementRead(ctx, ident.UserID, model.AudiencesFor(ident.Role), announcementID); err != nil {
		return storeErr("mark announcement read", err)
	}
	return nil
}
