// Package model defines data structures for the real-time messaging core.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation represents one chat thread between a citizen and the assistant/admin pool.
type Conversation struct {
	ID              string             `json:"id"`
	UserID          string             `json:"userId"`
	Status          ConversationStatus `json:"status"`
	AssignedAdminID *string            `json:"assignedAdminId,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	LastSequence    uint64             `json:"lastSequence"`
	Messages        []Message          `json:"messages,omitempty"`
}

// IsOpen reports whether the conversation still accepts messages.
func (c *Conversation) IsOpen() bool {
	return c.Status == ConversationActive
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.AssignedAdminID != nil {
		admin := *c.AssignedAdminID
		out.AssignedAdminID = &admin
	}
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i := range c.Messages {
			out.Messages[i] = *c.Messages[i].Clone()
		}
	}
	return &out
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// AssignConversationRequest assigns an admin to a conversation.
type AssignConversationRequest struct {
	AdminID string `json:"adminId"`
}
