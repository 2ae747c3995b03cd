package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/realtime"
)

// HandleInbound validates and routes one client event. authenticate is the
// transport's concern and is rejected here.
func (d *Dispatcher) HandleInbound(ctx context.Context, connID string, env model.Envelope) error {
	switch env.Name {
	case model.EventPing:
		return d.rooms.SendTo(connID, model.Event{Name: model.EventPong})

	case model.EventJoinChat:
		p, err := decodeJoinChat(env.Data)
		if err != nil {
			return err
		}
		return d.JoinChat(ctx, connID, p.ConversationID, p.AfterSequence)
	case model.EventLeaveChat:
		id, err := decodeID(env.Data, "conversationId")
		if err != nil {
			return err
		}
		return d.Leave(connID, realtime.ConversationRoom(id))

	case model.EventJoinAudience, model.EventLeaveAudience:
		id, err := decodeID(env.Data, "audience")
		if err != nil {
			return err
		}
		return d.joinOrLeave(ctx, connID, env.Name == model.EventJoinAudience, realtime.AudienceRoom(model.Audience(id)))
	case model.EventJoinUser, model.EventLeaveUser:
		id, err := decodeID(env.Data, "userId")
		if err != nil {
			return err
		}
		return d.joinOrLeave(ctx, connID, env.Name == model.EventJoinUser, realtime.UserRoom(id))
	case model.EventJoinCampaign, model.EventLeaveCampaign:
		id, err := decodeID(env.Data, "campaignId")
		if err != nil {
			return err
		}
		return d.joinOrLeave(ctx, connID, env.Name == model.EventJoinCampaign, realtime.CampaignRoom(id))
	case model.EventJoinIssue, model.EventLeaveIssue:
		id, err := decodeID(env.Data, "issueId")
		if err != nil {
			return err
		}
		return d.joinOrLeave(ctx, connID, env.Name == model.EventJoinIssue, realtime.IssueRoom(id))

	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
		return d.Typing(connID, p, env.Name == model.EventTyping)
	}
	return fmt.Errorf("%w: unknown event %q", model.ErrInvalidEvent, env.Name)
}

func (d *Dispatcher) joinOrLeave(ctx context.Context, connID string, join bool, id realtime.RoomID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: room %q", model.ErrInvalidEvent, id.String())
	}
	if join {
		return d.Join(ctx, connID, id)
	}
	return d.Leave(connID, id)
}

// decodeJoinChat accepts either a bare conversation id or the object form.
func decodeJoinChat(raw json.RawMessage) (model.JoinChatPayload, error) {
	var p model.JoinChatPayload
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
	} else if err := json.Unmarshal(raw, &p.ConversationID); err != nil {
		return p, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	if p.ConversationID == "" {
		return p, fmt.Errorf("%w: conversationId is required", model.ErrInvalidEvent)
	}
	return p, nil
}

// decodeID accepts either a bare string or an object carrying field.
func decodeID(raw json.RawMessage, field string) (string, error) {
	raw = bytes.TrimSpace(raw)
	var id string
	if len(raw) > 0 && raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
		v, ok := obj[field]
		if !ok {
			return "", fmt.Errorf("%w: %s is required", model.ErrInvalidEvent, field)
		}
		raw = v
	}
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", model.ErrInvalidEvent, field)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", model.ErrInvalidEvent, field)
	}
	return id, nil
}
