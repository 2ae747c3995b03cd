package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/store"
)

// AnnouncementStore implements store.AnnouncementStore using GORM.
type AnnouncementStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.AnnouncementStore = (*AnnouncementStore)(nil)

// NewAnnouncementStore creates a GORM-backed announcement store.
func NewAnnouncementStore(db *gorm.DB) *AnnouncementStore {
	return &AnnouncementStore{db: db, now: time.Now}
}

// CreateAnnouncement stores a, assigning its id and timestamp when unset.
func (s *AnnouncementStore) CreateAnnouncement(ctx context.Context, a *model.Announcement) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(announcementToRow(a)).Error; err != nil {
		return unavailable("create announcement", err)
	}
	return nil
}

// ListAnnouncements returns announcements for the audiences, newest first,
// with the read flag of userID.
func (s *AnnouncementStore) ListAnnouncements(ctx context.Context, userID string, audiences []model.Audience, limit int) ([]model.Announcement, error) {
	if len(audiences) == 0 {
		return []model.Announcement{}, nil
	}

	var rows []announcementRow
	err := s.db.WithContext(ctx).
		Where("audience IN ?", scopes(audiences)).
		Order("created_at DESC").Order("id DESC").
		Limit(store.ClampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("list announcements", err)
	}
	if len(rows) == 0 {
		return []model.Announcement{}, nil
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}

	var reads []announcementReadRow
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND announcement_id IN ?", userID, ids).
		Find(&reads).Error
	if err != nil {
		return nil, unavailable("list announcement reads", err)
	}
	read := make(map[string]bool, len(reads))
	for _, r := range reads {
		read[r.AnnouncementID] = true
	}

	out := make([]model.Announcement, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
		out[i].Read = read[rows[i].ID]
	}
	return out, nil
}

// MarkAnnouncementRead records a read marker. Marking twice is a no-op. An
// announcement outside the audiences is reported as not found.
func (s *AnnouncementStore) MarkAnnouncementRead(ctx context.Context, userID string, audiences []model.Audience, announcementID string) error {
	if len(audiences) == 0 {
		return fmt.Errorf("announcement %s: %w", announcementID, model.ErrNotFound)
	}
	db := s.db.WithContext(ctx)

	var row announcementRow
	err := db.Select("id").
		Where("id = ? AND audience IN ?", announcementID, scopes(audiences)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("announcement %s: %w", announcementID, model.ErrNotFound)
		}
		return unavailable("find announcement", err)
	}

	err = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&announcementReadRow{
		AnnouncementID: announcementID,
		UserID:         userID,
		ReadAt:         s.now().UTC(),
	}).Error
	if err != nil {
		return unavailable("mark announcement read", err)
	}
	return nil
}

func scopes(audiences []model.Audience) []string {
	out := make([]string, len(audiences))
	for i, a := range audiences {
		out[i] = string(a)
	}
	return out
}
