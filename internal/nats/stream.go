package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// BucketName is the KV bucket holding conversation records.
	BucketName = "conversations"

	fetchBatch   = 256
	fetchMaxWait = 2 * time.Second
	maxAttempts  = 5
)

// MessageSubject returns the subject carrying a conversation's messages.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

func recordKey(conversationID string) string { return "conv." + conversationID }
func openKey(userID string) string           { return "open." + userID }

// ConversationStore is a ConversationStore backed by JetStream. Messages are
// appended to the CONVERSATIONS stream, one subject per conversation, and
// conversation records live in a KV bucket so every node sees the same
// open conversation per user.
type ConversationStore struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	kv     jetstream.KeyValue
	log    *logger.Logger
	now    func() time.Time

	locks *store.KeyedMutex
	group singleflight.Group
}

var _ store.ConversationStore = (*ConversationStore)(nil)

// StoreConfig tunes the stream and bucket created by NewConversationStore.
type StoreConfig struct {
	Replicas int
	MaxAge   time.Duration
	Memory   bool
}

// NewConversationStore ensures the stream and bucket exist and returns the store.
func NewConversationStore(ctx context.Context, client *Client, cfg StoreConfig, log *logger.Logger) (*ConversationStore, error) {
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	js := client.JetStream()
	stream, err := ensureStream(ctx, js, cfg, storage)
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, BucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketName,
			Description: "Conversation records and open conversation per user",
			History:     1,
			Storage:     storage,
			Replicas:    cfg.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation bucket: %w", err)
	}

	return &ConversationStore{
		js:     js,
		stream: stream,
		kv:     kv,
		log:    log.Named("jetstream_store"),
		now:    time.Now,
		locks:  store.NewKeyedMutex(),
	}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg StoreConfig, storage jetstream.StorageType) (jetstream.Stream, error) {
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     storage,
		Replicas:    cfg.Replicas,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "All conversation messages",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return stream, nil
}

// GetOrCreateConversation implements store.ConversationStore. Creation is
// claimed with a KV create on the user's open key, so concurrent first
// messages on different nodes agree on one conversation.
func (s *ConversationStore) GetOrCreateConversation(ctx context.Context, userID string) (*model.Conversation, bool, error) {
	if userID == "" {
		return nil, false, model.ErrAuthenticationRequired
	}

	type result struct {
		conv    *model.Conversation
		created bool
	}
	// Do runs fn on the calling goroutine, so only the caller that did the
	// work sees leader set and may report the conversation as created.
	leader := false
	v, err, _ := s.group.Do(userID, func() (any, error) {
		leader = true
		conv, created, err := s.getOrCreate(ctx, userID)
		return result{conv, created}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.conv.Clone(), r.created && leader, nil
}

func (s *ConversationStore) getOrCreate(ctx context.Context, userID string) (*model.Conversation, bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, openKey(userID))
		switch {
		case err == nil:
			conv, _, err := s.record(ctx, string(entry.Value()))
			if err == nil && conv.IsOpen() {
				return conv, false, nil
			}
			if err != nil && !errors.Is(err, model.ErrConversationNotFound) {
				return nil, false, err
			}
			// Stale pointer to a closed or missing conversation.
			_ = s.kv.Delete(ctx, openKey(userID), jetstream.LastRevision(entry.Revision()))
			continue
		case !errors.Is(err, jetstream.ErrKeyNotFound):
			return nil, false, unavailable("read open conversation", err)
		}

		now := s.now().UTC()
		conv := &model.Conversation{
			ID:        uuid.Must(uuid.NewV7()).String(),
			UserID:    userID,
			Status:    model.ConversationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		data, err := json.Marshal(conv)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if _, err := s.kv.Create(ctx, recordKey(conv.ID), data); err != nil {
			return nil, false, unavailable("create conversation", err)
		}

		_, err = s.kv.Create(ctx, openKey(userID), []byte(conv.ID))
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Another node claimed the user first; use its conversation.
			_ = s.kv.Purge(ctx, recordKey(conv.ID))
			continue
		}
		if err != nil {
			return nil, false, unavailable("claim open conversation", err)
		}

		metrics.ConversationsTotal.Inc()
		s.log.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", userID),
		)
		return conv, true, nil
	}
	return nil, false, unavailable("get or create conversation", errors.New("too many concurrent updates"))
}

// AppendMessage implements store.ConversationStore. The next sequence is
// derived from the last message on the conversation's subject, and the
// publish is conditional on that message still being the last one.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID string, msg *model.Message) (uint64, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, _, err := s.record(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.IsOpen() {
		return 0, fmt.Errorf("append to %s: %w", conversationID, model.ErrConversationClosed)
	}

	subject := MessageSubject(conversationID)
	var lastSeq, lastStreamSeq uint64
	raw, err := s.stream.GetLastMsgForSubject(ctx, subject)
	switch {
	case err == nil:
		var last model.Message
		if err := json.Unmarshal(raw.Data, &last); err != nil {
			return 0, fmt.Errorf("failed to decode last message: %w", err)
		}
		lastSeq, lastStreamSeq = last.Sequence, raw.Sequence
	case !errors.Is(err, jetstream.ErrMsgNotFound):
		return 0, unavailable("read last message", err)
	}

	stored := msg.Clone()
	store.StampMessage(stored, conversationID, lastSeq+1, s.now().UTC())
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	// An expected last sequence of zero means the subject must be empty.
	_, err = s.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(stored.ID),
		jetstream.WithExpectLastSequencePerSubject(lastStreamSeq),
	)
	if err != nil {
		return 0, unavailable("publish message", err)
	}
	*msg = *stored

	s.touch(ctx, conversationID, func(c *model.Conversation) {
		c.LastSequence = stored.Sequence
		c.UpdatedAt = stored.CreatedAt
	})
	metrics.MessagesTotal.WithLabelValues(string(stored.Sender)).Inc()
	return stored.Sequence, nil
}

// GetConversation implements store.ConversationStore. It reads the KV
// record only.
func (s *ConversationStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, _, err := s.record(ctx, conversationID)
	return conv, err
}

// LoadConversation implements store.ConversationStore.
func (s *ConversationStore) LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, _, err := s.record(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	conv.Messages = []model.Message{}
	err = s.scan(ctx, conversationID, func(m model.Message) bool {
		conv.Messages = append(conv.Messages, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	if n := len(conv.Messages); n > 0 {
		conv.LastSequence = conv.Messages[n-1].Sequence
	}
	return conv, nil
}

// ListConversations implements store.ConversationStore.
func (s *ConversationStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []model.Conversation{}, nil
	}
	if err != nil {
		return nil, unavailable("list conversation keys", err)
	}

	out := make([]model.Conversation, 0)
	for _, key := range keys {
		id, ok := strings.CutPrefix(key, "conv.")
		if !ok {
			continue
		}
		conv, _, err := s.record(ctx, id)
		if errors.Is(err, model.ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID == "" || conv.UserID == userID {
			out = append(out, *conv)
		}
	}
	store.SortConversations(out)
	return out, nil
}

// MessagesAfter implements store.ConversationStore.
func (s *ConversationStore) MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]model.Message, bool, error) {
	if _, _, err := s.record(ctx, conversationID); err != nil {
		return nil, false, err
	}
	limit = store.ClampLimit(limit)

	out := make([]model.Message, 0)
	more := false
	err := s.scan(ctx, conversationID, func(m model.Message) bool {
		if m.Sequence <= after {
			return true
		}
		if len(out) == limit {
			more = true
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return out, more, nil
}

// CloseConversation implements store.ConversationStore.
func (s *ConversationStore) CloseConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.update(ctx, conversationID, func(c *model.Conversation) {
		if c.IsOpen() {
			c.Status = model.ConversationClosed
			c.UpdatedAt = s.now().UTC()
		}
	})
	if err != nil {
		return nil, err
	}

	if entry, err := s.kv.Get(ctx, openKey(conv.UserID)); err == nil && string(entry.Value()) == conversationID {
		_ = s.kv.Delete(ctx, openKey(conv.UserID), jetstream.LastRevision(entry.Revision()))
	}
	return conv, nil
}

// AssignConversation implements store.ConversationStore.
func (s *ConversationStore) AssignConversation(ctx context.Context, conversationID, adminID string) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) {
		admin := adminID
		c.AssignedAdminID = &admin
		c.UpdatedAt = s.now().UTC()
	})
}

func (s *ConversationStore) record(ctx context.Context, conversationID string) (*model.Conversation, uint64, error) {
	entry, err := s.kv.Get(ctx, recordKey(conversationID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, fmt.Errorf("conversation %s: %w", conversationID, model.ErrConversationNotFound)
	}
	if err != nil {
		return nil, 0, unavailable("read conversation", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, 0, fmt.Errorf("failed to decode conversation %s: %w", conversationID, err)
	}
	return &conv, entry.Revision(), nil
}

// update applies fn to a conversation record with optimistic concurrency.
func (s *ConversationStore) update(ctx context.Context, conversationID string, fn func(*model.Conversation)) (*model.Conversation, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conv, rev, err := s.record(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		fn(conv)

		data, err := json.Marshal(conv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if _, err := s.kv.Update(ctx, recordKey(conversationID), data, rev); err != nil {
			s.log.Debug("conversation update conflict, retrying",
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return conv, nil
	}
	return nil, unavailable("update conversation", errors.New("too many concurrent updates"))
}

// touch refreshes the summary fields of a record after an append. The
// stream stays authoritative, so failures are logged only.
func (s *ConversationStore) touch(ctx context.Context, conversationID string, fn func(*model.Conversation)) {
	if _, err := s.update(ctx, conversationID, fn); err != nil {
		s.log.Warn("failed to refresh conversation record",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// scan visits a conversation's messages in order until visit returns false.
func (s *ConversationStore) scan(ctx context.Context, conversationID string, visit func(model.Message) bool) error {
	consumer, err := s.js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     MessageSubject(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return unavailable("create consumer", err)
	}
	defer func() {
		if err := s.js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, consumer.CachedInfo().Name); err != nil {
			s.log.Debug("failed to delete consumer", zap.Error(err))
		}
	}()

	info, err := consumer.Info(ctx)
	if err != nil {
		return unavailable("consumer info", err)
	}

	pending := int(info.NumPending)
	active := true
	for pending > 0 && active {
		batch, err := consumer.Fetch(min(pending, fetchBatch), jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return unavailable("fetch messages", err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			if !active {
				continue
			}
			var m model.Message
			if err := json.Unmarshal(msg.Data(), &m); err != nil {
				s.log.Warn("skipping undecodable message",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
				continue
			}
			active = visit(m)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return unavailable("fetch messages", err)
		}
		if received == 0 {
			break
		}
		pending -= received
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrStoreUnavailable, err)
}
