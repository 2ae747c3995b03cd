package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/civic-connect/realtime-core/internal/model"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func TestNotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewNotificationStore(setupTestDB(t))

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, typ := range []model.NotificationType{
		model.NotificationIssueSubmitted,
		model.NotificationIssueUpdate,
		model.NotificationWarningIssued,
	} {
		n := &model.Notification{
			UserID:    "citizen-1",
			Type:      typ,
			Title:     string(typ),
			Data:      map[string]any{"issueId": "i-1"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateNotification(ctx, n))
		assert.NotEmpty(t, n.ID)
	}
	require.NoError(t, s.CreateNotification(ctx, &model.Notification{UserID: "citizen-2", Type: model.NotificationMessage}))

	list, err := s.ListNotifications(ctx, "citizen-1", 10, false)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, model.NotificationWarningIssued, list[0].Type, "newest first")
	assert.Equal(t, "i-1", list[2].Data["issueId"])

	unread, err := s.UnreadCount(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), unread)

	require.NoError(t, s.MarkNotificationRead(ctx, "citizen-1", list[0].ID))
	require.NoError(t, s.MarkNotificationRead(ctx, "citizen-1", list[0].ID), "marking twice succeeds")

	err = s.MarkNotificationRead(ctx, "citizen-2", list[1].ID)
	assert.ErrorIs(t, err, model.ErrNotFound, "users cannot mark others' notifications")

	onlyUnread, err := s.ListNotifications(ctx, "citizen-1", 10, true)
	require.NoError(t, err)
	assert.Len(t, onlyUnread, 2)

	changed, err := s.MarkAllNotificationsRead(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	unread, err = s.UnreadCount(ctx, "citizen-1")
	require.NoError(t, err)
	assert.Zero(t, unread)

	other, err := s.UnreadCount(ctx, "citizen-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestAnnouncementsByAudience(t *testing.T) {
	ctx := context.Background()
	s := NewAnnouncementStore(setupTestDB(t))

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	create := func(title string, audience model.Audience, offset time.Duration) *model.Announcement {
		a := &model.Announcement{
			Title:     title,
			Content:   title + " body",
			Priority:  model.PriorityHigh,
			Audience:  audience,
			Author:    "City Hall",
			AuthorID:  "admin-1",
			Tags:      []string{"roads"},
			CreatedAt: base.Add(offset),
		}
		require.NoError(t, s.CreateAnnouncement(ctx, a))
		return a
	}
	all := create("water outage", model.AudienceAll, 0)
	staff := create("staff meeting", model.AudienceAdmins, time.Minute)
	citizens := create("town hall", model.AudienceCitizens, 2*time.Minute)

	tests := []struct {
		name string
		role model.Role
		want []string
	}{
		{name: "citizen", role: model.RoleCitizen, want: []string{"town hall", "water outage"}},
		{name: "admin", role: model.RoleAdmin, want: []string{"town hall", "staff meeting", "water outage"}},
		{name: "worker", role: model.RoleWorker, want: []string{"water outage"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListAnnouncements(ctx, "u-"+tt.name, model.AudiencesFor(tt.role), 10)
			require.NoError(t, err)
			titles := make([]string, len(list))
			for i, a := range list {
				titles[i] = a.Title
			}
			assert.Equal(t, tt.want, titles)
		})
	}

	citizenScope := model.AudiencesFor(model.RoleCitizen)
	require.NoError(t, s.MarkAnnouncementRead(ctx, "citizen-1", citizenScope, citizens.ID))
	require.NoError(t, s.MarkAnnouncementRead(ctx, "citizen-1", citizenScope, citizens.ID))
	assert.ErrorIs(t, s.MarkAnnouncementRead(ctx, "citizen-1", citizenScope, "missing"), model.ErrNotFound)
	assert.ErrorIs(t, s.MarkAnnouncementRead(ctx, "citizen-1", citizenScope, staff.ID), model.ErrNotFound)
	require.NoError(t, s.MarkAnnouncementRead(ctx, "admin-1", model.AudiencesFor(model.RoleAdmin), staff.ID))

	list, err := s.ListAnnouncements(ctx, "citizen-1", model.AudiencesFor(model.RoleCitizen), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, citizens.ID, list[0].ID)
	assert.True(t, list[0].Read)
	assert.Equal(t, all.ID, list[1].ID)
	assert.False(t, list[1].Read)
	assert.Equal(t, []string{"roads"}, list[1].Tags)

	none, err := s.ListAnnouncements(ctx, "x", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
}
