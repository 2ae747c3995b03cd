package sqlstore

import (
	"time"

	"github.com/civic-connect/realtime-core/internal/model"
)

type notificationRow struct {
	ID        string         `gorm:"primaryKey;size:36"`
	UserID    string         `gorm:"size:64;not null;index:idx_notifications_user_created,priority:1"`
	Type      string         `gorm:"size:32;not null"`
	Title     string         `gorm:"size:255"`
	Body      string         `gorm:"type:text"`
	Data      map[string]any `gorm:"serializer:json"`
	Read      bool           `gorm:"column:is_read;not null;default:false"`
	CreatedAt time.Time      `gorm:"not null;index:idx_notifications_user_created,priority:2"`
}

func (notificationRow) TableName() string { return "notifications" }

func notificationToRow(n *model.Notification) *notificationRow {
	return &notificationRow{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      string(n.Type),
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func (r *notificationRow) toModel() model.Notification {
	return model.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      model.NotificationType(r.Type),
		Title:     r.Title,
		Body:      r.Body,
		Data:      r.Data,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
}

type announcementRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Title     string    `gorm:"size:255;not null"`
	Content   string    `gorm:"type:text"`
	Priority  string    `gorm:"size:16;not null"`
	Audience  string    `gorm:"size:16;not null;index"`
	Author    string    `gorm:"size:255"`
	AuthorID  string    `gorm:"size:64"`
	Tags      []string  `gorm:"serializer:json"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (announcementRow) TableName() string { return "announcements" }

func announcementToRow(a *model.Announcement) *announcementRow {
	return &announcementRow{
		ID:        a.ID,
		Title:     a.Title,
		Content:   a.Content,
		Priority:  string(a.Priority),
		Audience:  string(a.Audience),
		Author:    a.Author,
		AuthorID:  a.AuthorID,
		Tags:      a.Tags,
		CreatedAt: a.CreatedAt,
	}
}

func (r *announcementRow) toModel() model.Announcement {
	return model.Announcement{
		ID:        r.ID,
		Title:     r.Title,
		Content:   r.Content,
		Priority:  model.Priority(r.Priority),
		Audience:  model.Audience(r.Audience),
		Author:    r.Author,
		AuthorID:  r.AuthorID,
		Tags:      r.Tags,
		CreatedAt: r.CreatedAt,
	}
}

// announcementReadRow is a per-recipient read marker.
type announcementReadRow struct {
	AnnouncementID string    `gorm:"primaryKey;size:36"`
	UserID         string    `gorm:"primaryKey;size:64"`
	ReadAt         time.Time `gorm:"not null"`
}

func (announcementReadRow) TableName() string { return "announcement_reads" }
