package model

import (
	"time"
)

// NotificationType is the kind of a user notification.
type NotificationType string

const (
	NotificationIssueSubmitted   NotificationType = "issue_submitted"
	NotificationIssueAssigned    NotificationType = "issue_assigned"
	NotificationIssueResolved    NotificationType = "issue_resolved"
	NotificationIssueUpdate      NotificationType = "issue_update"
	NotificationFundingUpdate    NotificationType = "funding_update"
	NotificationMessage          NotificationType = "message"
	NotificationAnnouncement     NotificationType = "announcement"
	NotificationWarningIssued    NotificationType = "warning_issued"
	NotificationAccountSuspended NotificationType = "account_suspended"
	NotificationAccountBanned    NotificationType = "account_banned"
	NotificationAccountRestored  NotificationType = "account_restored"
)

// Notification is an in-app notification for one recipient.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ListNotificationsResponse is the response for the notification hub list.
type ListNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	Unread        int64          `json:"unread"`
}

// ModerationAction is an admin action against a user account.
type ModerationAction string

const (
	ModerationWarn    ModerationAction = "warn"
	ModerationSuspend ModerationAction = "suspend"
	ModerationBan     ModerationAction = "ban"
	ModerationRestore ModerationAction = "restore"
)

// NotificationType returns the notification type produced by the action.
func (a ModerationAction) NotificationType() (NotificationType, bool) {
	switch a {
	case ModerationWarn:
		return NotificationWarningIssued, true
	case ModerationSuspend:
		return NotificationAccountSuspended, true
	case ModerationBan:
		return NotificationAccountBanned, true
	case ModerationRestore:
		return NotificationAccountRestored, true
	}
	return "", false
}

// Disconnects reports whether the action evicts the user's live connections.
func (a ModerationAction) Disconnects() bool {
	return a == ModerationSuspend || a == ModerationBan
}

// ModerationRequest is the request body for a moderation action. The account
// state change itself is persisted by the user collaborator before this call.
type ModerationRequest struct {
	Action ModerationAction `json:"action"`
	Reason string           `json:"reason"`
	Until  *time.Time       `json:"until,omitempty"`
}
