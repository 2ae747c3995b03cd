package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/store"
)

// NotificationStore implements store.NotificationStore using GORM.
type NotificationStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.NotificationStore = (*NotificationStore)(nil)

// NewNotificationStore creates a GORM-backed notification store.
func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db, now: time.Now}
}

// CreateNotification stores n, assigning its id and timestamp when unset.
func (s *NotificationStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.Must(uuid.NewV7()).String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(notificationToRow(n)).Error; err != nil {
		return unavailable("create notification", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *NotificationStore) ListNotifications(ctx context.Context, userID string, limit int, unreadOnly bool) ([]model.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}

	var rows []notificationRow
	err := q.Order("created_at DESC").Order("id DESC").Limit(store.ClampLimit(limit)).Find(&rows).Error
	if err != nil {
		return nil, unavailable("list notifications", err)
	}

	out := make([]model.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// UnreadCount returns how many unread notifications a user has.
func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, unavailable("count notifications", err)
	}
	return count, nil
}

// MarkNotificationRead marks one of the user's notifications read. Marking
// an already read notification succeeds.
func (s *NotificationStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return unavailable("mark notification read", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, model.ErrNotFound)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of a user read and
// returns how many changed.
func (s *NotificationStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	if result.Error != nil {
		return 0, unavailable("mark all notifications read", result.Error)
	}
	return result.RowsAffected, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreUnavailable, err)
}
