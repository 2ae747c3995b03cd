package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/realtime"
)

// Authorize reports whether ident may receive events from a room.
func (d *Dispatcher) Authorize(ctx context.Context, ident model.Identity, id realtime.RoomID) error {
	if !ident.Authenticated() {
		return model.ErrAuthenticationRequired
	}
	if !id.Valid() {
		return fmt.Errorf("%w: room %q", model.ErrInvalidEvent, id.String())
	}

	switch id.Kind {
	case realtime.KindUser:
		if id.ID == ident.UserID {
			return nil
		}
	case realtime.KindAudience:
		if slices.Contains(model.AudiencesFor(ident.Role), model.Audience(id.ID)) {
			return nil
		}
	case realtime.KindCampaign:
		return nil
	case realtime.KindIssue:
		if ident.Role.IsStaff() {
			return nil
		}
	case realtime.KindConversation:
		return d.authorizeConversation(ctx, ident, id.ID)
	}
	return fmt.Errorf("%w: %s may not join %s", model.ErrAuthorizationDenied, ident.Role, id)
}

func (d *Dispatcher) authorizeConversation(ctx context.Context, ident model.Identity, conversationID string) error {
	conv, err := d.convs.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, model.ErrConversationNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if conv.UserID == ident.UserID || ident.Role.IsAdmin() {
		return nil
	}
	return fmt.Errorf("%w: conversation %s", model.ErrAuthorizationDenied, conversationID)
}

// AnnouncementRooms returns the rooms an announcement for the audience is
// published to: the scoped room plus the all room.
func AnnouncementRooms(a model.Audience) []realtime.RoomID {
	if a == model.AudienceAll {
		return []realtime.RoomID{realtime.AudienceRoom(model.AudienceAll)}
	}
	return []realtime.RoomID{realtime.AudienceRoom(a), realtime.AudienceRoom(model.AudienceAll)}
}
