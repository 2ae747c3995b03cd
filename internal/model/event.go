package model

import (
	"encoding/json"
	"time"
)

// Inbound event names (client to core).
const (
	EventAuthenticate  = "authenticate"
	EventJoinChat      = "join-chat"
	EventLeaveChat     = "leave-chat"
	EventJoinAudience  = "join-audience"
	EventLeaveAudience = "leave-audience"
	EventJoinUser      = "join-user"
	EventLeaveUser     = "leave-user"
	EventJoinCampaign  = "join-campaign"
	EventLeaveCampaign = "leave-campaign"
	EventJoinIssue     = "join-issue"
	EventLeaveIssue    = "leave-issue"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventPing          = "ping"
)

// Outbound event names (core to client).
const (
	EventConnected          = "connected"
	EventAuthenticated      = "authenticated"
	EventJoined             = "joined"
	EventLeft               = "left"
	EventNewMessage         = "new-message"
	EventUserTyping         = "user-typing"
	EventUserStoppedTyping  = "user-stopped-typing"
	EventNewAnnouncement    = "new_announcement"
	EventIssueUpdate        = "issue_update"
	EventFundingUpdate      = "funding_update"
	EventConversationUpdate = "conversation_updated"
	EventConversationClosed = "conversation_closed"
	EventReplayComplete     = "replay_complete"
	EventPong               = "pong"
	EventError              = "error"
)

// Error codes carried by error events.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Event is one outbound event. It is encoded once per publish and shared by
// every recipient.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Encode returns the wire form of the event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Envelope is the wire form of an inbound event.
type Envelope struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessagePayload is the payload of new-message.
type NewMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingPayload is the payload of typing, stop-typing, user-typing and user-stopped-typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// JoinChatPayload is the object form of the join-chat payload. Clients may
// also send the bare conversation id.
type JoinChatPayload struct {
	ConversationID string  `json:"conversationId"`
	AfterSequence  *uint64 `json:"afterSequence,omitempty"`
}

// AuthenticatePayload carries a bearer token over the live transport.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// ConnectedPayload greets a new connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	Role         Role   `json:"role,omitempty"`
}

// RoomPayload acknowledges a join or leave.
type RoomPayload struct {
	Room string `json:"room"`
}

// ReplayCompletePayload ends a catch-up replay.
type ReplayCompletePayload struct {
	ConversationID string `json:"conversationId"`
	LastSequence   uint64 `json:"lastSequence"`
	MessageCount   int    `json:"messageCount"`
}

// ErrorPayload is the payload of error events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// TimelineEntry is one step of an issue's history.
type TimelineEntry struct {
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IssueUpdatePayload is the payload of issue_update.
type IssueUpdatePayload struct {
	IssueID   string          `json:"issueId"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Timeline  []TimelineEntry `json:"timeline,omitempty"`
}

// IssueStatusRequest reports an issue status change already persisted by the issue collaborator.
type IssueStatusRequest struct {
	OwnerID  string          `json:"ownerId"`
	Title    string          `json:"title,omitempty"`
	Status   string          `json:"status"`
	Note     string          `json:"note,omitempty"`
	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// IssueAssignRequest reports an issue assignment already persisted by the issue collaborator.
type IssueAssignRequest struct {
	AssigneeID string `json:"assigneeId"`
	OwnerID    string `json:"ownerId,omitempty"`
	Title      string `json:"title,omitempty"`
}

// FundingUpdatePayload is the payload of funding_update.
type FundingUpdatePayload struct {
	CampaignID         string  `json:"campaignId"`
	CurrentAmount      float64 `json:"currentAmount"`
	ProgressPercentage float64 `json:"progressPercentage"`
	TotalContributors  int     `json:"totalContributors"`
	IsCompleted        bool    `json:"isCompleted"`
	FundingStatus      string  `json:"fundingStatus"`
}

// ContributionRequest reports a funding contribution already persisted by the funding collaborator.
type ContributionRequest struct {
	ContributorID     string  `json:"contributorId,omitempty"`
	Amount            float64 `json:"amount"`
	CurrentAmount     float64 `json:"currentAmount"`
	GoalAmount        float64 `json:"goalAmount"`
	TotalContributors int     `json:"totalContributors"`
	FundingStatus     string  `json:"fundingStatus,omitempty"`
}
