package model

import (
	"time"
)

// Audience is a broad broadcast scope.
type Audience string

const (
	AudienceCitizens Audience = "citizens"
	AudienceAdmins   Audience = "admins"
	AudienceAll      Audience = "all"
)

// Valid reports whether a is a known audience.
func (a Audience) Valid() bool {
	return a == AudienceCitizens || a == AudienceAdmins || a == AudienceAll
}

// Audiences lists every audience.
var Audiences = []Audience{AudienceCitizens, AudienceAdmins, AudienceAll}

// AudiencesFor returns the audiences a role may receive.
func AudiencesFor(role Role) []Audience {
	switch {
	case role.IsAdmin():
		return []Audience{AudienceCitizens, AudienceAdmins, AudienceAll}
	case role == RoleCitizen:
		return []Audience{AudienceCitizens, AudienceAll}
	case role.Valid():
		return []Audience{AudienceAll}
	}
	return nil
}

// Priority is the urgency of an announcement.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Announcement is a broadcast to one audience scope.
type Announcement struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Priority  Priority  `json:"priority"`
	Audience  Audience  `json:"audience"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"authorId"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// PublishAnnouncementRequest is the request to publish an announcement.
type PublishAnnouncementRequest struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Priority Priority `json:"priority"`
	Audience Audience `json:"audience"`
	Tags     []string `json:"tags,omitempty"`
}

// ListAnnouncementsResponse is the response for listing announcements.
type ListAnnouncementsResponse struct {
	Announcements []Announcement `json:"announcements"`
}
