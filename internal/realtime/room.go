// Package realtime holds the connection registry and the room table that fans
// events out to live client connections.
package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/civic-connect/realtime-core/internal/model"
)

// RoomKind distinguishes broadcast groups.
type RoomKind string

const (
	KindConversation RoomKind = "conversation"
	KindUser         RoomKind = "user"
	KindAudience     RoomKind = "audience"
	KindCampaign     RoomKind = "campaign"
	KindIssue        RoomKind = "issue"
)

// ErrInvalidRoom is returned for malformed room identifiers.
var ErrInvalidRoom = errors.New("invalid room")

// RoomID is a structured room name: a kind plus an id.
type RoomID struct {
	Kind RoomKind
	ID   string
}

// ConversationRoom names the room of one conversation.
func ConversationRoom(conversationID string) RoomID {
	return RoomID{Kind: KindConversation, ID: conversationID}
}

// UserRoom names the private room of one user.
func UserRoom(userID string) RoomID {
	return RoomID{Kind: KindUser, ID: userID}
}

// AudienceRoom names an audience room.
func AudienceRoom(a model.Audience) RoomID {
	return RoomID{Kind: KindAudience, ID: string(a)}
}

// CampaignRoom names the room of viewers of one funding campaign.
func CampaignRoom(campaignID string) RoomID {
	return RoomID{Kind: KindCampaign, ID: campaignID}
}

// IssueRoom names the room of staff watching one issue.
func IssueRoom(issueID string) RoomID {
	return RoomID{Kind: KindIssue, ID: issueID}
}

// String returns the wire name, e.g. "conversation:42".
func (r RoomID) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Persistent reports whether the room outlives its last member.
func (r RoomID) Persistent() bool {
	return r.Kind == KindAudience
}

// Valid reports whether the room id is well formed.
func (r RoomID) Valid() bool {
	if r.ID == "" || strings.ContainsAny(r.ID, " \t\r\n") {
		return false
	}
	switch r.Kind {
	case KindConversation, KindUser, KindCampaign, KindIssue:
		return true
	case KindAudience:
		return model.Audience(r.ID).Valid()
	}
	return false
}

// ParseRoomID parses a wire room name.
func ParseRoomID(s string) (RoomID, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return RoomID{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	r := RoomID{Kind: RoomKind(kind), ID: id}
	if !r.Valid() {
		return RoomID{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	return r, nil
}
