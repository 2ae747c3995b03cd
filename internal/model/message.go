package model

import (
	"time"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderUser         SenderKind = "user"
	SenderAssistant    SenderKind = "assistant"
	SenderAdmin        SenderKind = "admin"
	SenderAnnouncement SenderKind = "announcement"
)

// MessageMetadata carries the classifier result and delivery flags of a message.
// The core treats these fields as opaque payload.
type MessageMetadata struct {
	Category   string   `json:"category,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Message represents a stored chat message. Messages are immutable once stored.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Sequence       uint64           `json:"sequence"`
	Sender         SenderKind       `json:"sender"`
	SenderID       string           `json:"senderId,omitempty"`
	Body           string           `json:"body"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.Metadata != nil {
		meta := *m.Metadata
		if m.Metadata.Confidence != nil {
			c := *m.Metadata.Confidence
			meta.Confidence = &c
		}
		out.Metadata = &meta
	}
	return &out
}

// SendMessageRequest is the request to send a chat message. An empty
// ConversationID starts (or resumes) the user's open conversation.
type SendMessageRequest struct {
	ConversationID  string `json:"conversationId,omitempty"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendMessageResponse is returned after a chat message was stored and dispatched.
type SendMessageResponse struct {
	ConversationID  string   `json:"conversationId"`
	NewConversation bool     `json:"newConversation"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
	Message         *Message `json:"message"`
	Reply           *Message `json:"reply,omitempty"`
}

// AdminMessageRequest is the request body for an admin reply.
type AdminMessageRequest struct {
	Content string `json:"content"`
}

// ListMessagesResponse is the response for the catch-up listing.
type ListMessagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"hasMore"`
	LastSequence   uint64    `json:"lastSequence"`
}
