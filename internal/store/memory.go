package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

type memConversation struct {
	mu   sync.Mutex
	conv model.Conversation
}

// MemoryStore is a process-local ConversationStore.
type MemoryStore struct {
	log *logger.Logger
	now func() time.Time

	mu     sync.RWMutex
	convs  map[string]*memConversation
	openBy map[string]string
}

// NewMemoryStore creates an empty in-memory conversation store.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		log:    log.Named("memstore"),
		now:    time.Now,
		convs:  make(map[string]*memConversation),
		openBy: make(map[string]string),
	}
}

// GetOrCreateConversation implements ConversationStore.
func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, userID string) (*model.Conversation, bool, error) {
	if userID == "" {
		return nil, false, model.ErrAuthenticationRequired
	}

	if conv := s.open(userID); conv != nil {
		return conv, false, nil
	}
	conv, created := s.getOrCreate(userID)
	return conv, created, nil
}

// open returns the user's open conversation under the read lock.
func (s *MemoryStore) open(userID string) *model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openBy[userID]
	if !ok {
		return nil
	}
	mc := s.convs[id]
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if !mc.conv.IsOpen() {
		return nil
	}
	return summary(&mc.conv)
}

// getOrCreate re-checks under the write lock, so concurrent first calls
// create exactly one conversation.
func (s *MemoryStore) getOrCreate(userID string) (*model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.openBy[userID]; ok {
		mc := s.convs[id]
		mc.mu.Lock()
		defer mc.mu.Unlock()
		if mc.conv.IsOpen() {
			return summary(&mc.conv), false
		}
		delete(s.openBy, userID)
	}

	now := s.now()
	mc := &memConversation{conv: model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Status:    model.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.convs[mc.conv.ID] = mc
	s.openBy[userID] = mc.conv.ID
	metrics.ConversationsTotal.Inc()

	s.log.Info("conversation created",
		zap.String("conversation_id", mc.conv.ID),
		zap.String("user_id", userID),
	)
	return summary(&mc.conv), true
}

// AppendMessage implements ConversationStore.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (uint64, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.conv.IsOpen() {
		return 0, fmt.Errorf("append to %s: %w", conversationID, model.ErrConversationClosed)
	}

	StampMessage(msg, conversationID, mc.conv.LastSequence+1, s.now())
	mc.conv.Messages = append(mc.conv.Messages, *msg.Clone())
	mc.conv.LastSequence = msg.Sequence
	mc.conv.UpdatedAt = msg.CreatedAt

	metrics.MessagesTotal.WithLabelValues(string(msg.Sender)).Inc()
	return msg.Sequence, nil
}

// GetConversation implements ConversationStore.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return summary(&mc.conv), nil
}

// LoadConversation implements ConversationStore.
func (s *MemoryStore) LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.conv.Clone(), nil
}

// ListConversations implements ConversationStore.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	all := make([]*memConversation, 0, len(s.convs))
	for _, mc := range s.convs {
		all = append(all, mc)
	}
	s.mu.RUnlock()

	out := make([]model.Conversation, 0)
	for _, mc := range all {
		mc.mu.Lock()
		if userID == "" || mc.conv.UserID == userID {
			out = append(out, *summary(&mc.conv))
		}
		mc.mu.Unlock()
	}
	SortConversations(out)
	return out, nil
}

// MessagesAfter implements ConversationStore.
func (s *MemoryStore) MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Message, bool, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return nil, false, err
	}
	limit = ClampLimit(limit)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Sequence n is stored at index n-1.
	start := int(min(after, uint64(len(mc.conv.Messages))))
	end := min(start+limit, len(mc.conv.Messages))

	out := make([]model.Message, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, *mc.conv.Messages[i].Clone())
	}
	return out, end < len(mc.conv.Messages), nil
}

// CloseConversation implements ConversationStore. Closing twice is a no-op.
func (s *MemoryStore) CloseConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.conv.IsOpen() {
		mc.conv.Status = model.ConversationClosed
		mc.conv.UpdatedAt = s.now()
		if s.openBy[mc.conv.UserID] == conversationID {
			delete(s.openBy, mc.conv.UserID)
		}
	}
	return summary(&mc.conv), nil
}

// AssignConversation implements ConversationStore.
func (s *MemoryStore) AssignConversation(ctx context.Context, conversationID, adminID string) (*model.Conversation, error) {
	mc, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	admin := adminID
	mc.conv.AssignedAdminID = &admin
	mc.conv.UpdatedAt = s.now()
	return summary(&mc.conv), nil
}

func (s *MemoryStore) lookup(conversationID string) (*memConversation, error) {
	s.mu.RLock()
	mc, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrConversationNotFound)
	}
	return mc, nil
}

// summary copies a conversation without its messages.
func summary(c *model.Conversation) *model.Conversation {
	out := *c
	out.Messages = nil
	return out.Clone()
}

// StampMessage fills the store-assigned fields of a message. Backends call
// it with the sequence they are about to commit.
func StampMessage(msg *model.Message, conversationID string, seq uint64, now time.Time) {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.ConversationID = conversationID
	msg.Sequence = seq
}

// SortConversations orders conversations newest activity first.
func SortConversations(convs []model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID > convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
