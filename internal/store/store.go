// Package store defines persistence for conversations, notifications and
// announcements, and provides an in-memory conversation store.
package store

import (
	"context"

	"github.com/civic-connect/realtime-core/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ConversationStore persists conversations and their ordered messages.
// Sequence numbers start at 1 and strictly increase per conversation.
type ConversationStore interface {
	// GetOrCreateConversation returns the user's open conversation, creating
	// one if none exists. created reports whether this call created it.
	// Concurrent first calls for one user resolve to the same conversation.
	GetOrCreateConversation(ctx context.Context, userID string) (conv *model.Conversation, created bool, err error)

	// AppendMessage stores msg, assigning its sequence number, id and
	// timestamp when unset. It fails for closed conversations.
	AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (uint64, error)

	// GetConversation returns a conversation record without its messages.
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)

	// LoadConversation returns a conversation with all its messages.
	LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error)

	// ListConversations returns conversation summaries without messages,
	// newest first. An empty userID lists every conversation.
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// MessagesAfter returns up to limit messages with a sequence greater
	// than after, in order, and whether more remain.
	MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Message, bool, error)

	CloseConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	AssignConversation(ctx context.Context, conversationID, adminID string) (*model.Conversation, error)
}

// NotificationStore persists per-user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// AnnouncementStore persists announcements and per-recipient read markers.
type AnnouncementStore interface {
	CreateAnnouncement(ctx context.Context, a *model.Announcement) error
	// ListAnnouncements returns announcements scoped to any of the
	// audiences, newest first, with Read set for userID.
	ListAnnouncements(ctx context.Context, userID string, audiences []model.Audience, limit int) ([]model.Announcement, error)
	// MarkAnnouncementRead fails with ErrNotFound when the announcement is
	// outside the audiences.
	MarkAnnouncementRead(ctx context.Context, userID string, audiences []model.Audience, announcementID string) error
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
