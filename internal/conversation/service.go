// ABOUTME: Conversation service: mapping resolution and message persistence
// ABOUTME: All messages flow through here - history is the source of truth, not a side effect

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom-gateway/internal/store"
)

// Store defines what the service needs from storage
type Store interface {
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error)

	SaveMessage(ctx context.Context, msg *store.Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)

	CreateMapping(ctx context.Context, m *store.Mapping) error
	GetMapping(ctx context.Context, adapterName, threadID string) (*store.Mapping, error)
	GetMappingByConversation(ctx context.Context, conversationID, adapterName string) (*store.Mapping, error)
}

// Service owns conversation identity: it resolves platform threads to
// conversations and persists every message before anything acts on it.
type Service struct {
	store       Store
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// New creates a conversation service. broadcaster may be nil when no live
// observers are wired.
func New(st Store, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// EnsureMapping resolves the conversation for a platform thread, creating
// conversation and mapping on first contact. Creation is conflict-detecting:
// losing the race against a concurrent first contact means adopting the
// winner's mapping, so a thread can never split across two conversations.
// The returned bool reports whether this call created the mapping.
func (s *Service) EnsureMapping(ctx context.Context, adapterName, threadID string, meta map[string]string) (*store.Mapping, bool, error) {
	mapping, err := s.store.GetMapping(ctx, adapterName, threadID)
	if err == nil {
		return mapping, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("mapping lookup: %w", err)
	}

	now := time.Now()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	mapping = &store.Mapping{
		ID:             uuid.New().String(),
		AdapterName:    adapterName,
		ThreadID:       threadID,
		ConversationID: conv.ID,
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMapping(ctx, mapping); err != nil {
		if errors.Is(err, store.ErrDuplicateMapping) {
			// Lost the first-contact race. The freshly created conversation
			// is abandoned; re-read and adopt the winner.
			winner, lookupErr := s.store.GetMapping(ctx, adapterName, threadID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("mapping re-read after duplicate: %w", lookupErr)
			}
			s.logger.Debug("adopted winning mapping after race",
				"adapter", adapterName, "thread_id", threadID,
				"conversation_id", winner.ConversationID)
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("creating mapping: %w", err)
	}

	s.logger.Info("mapping created",
		"adapter", adapterName, "thread_id", threadID, "conversation_id", conv.ID)
	return mapping, true, nil
}

// AppendMessage records a message. A repeated (adapter, adapter message ID)
// pair is treated as an idempotent replay: no new record, no error, and the
// returned bool is false.
func (s *Service) AppendMessage(ctx context.Context, msg *store.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			s.logger.Debug("duplicate message ignored",
				"adapter", msg.AdapterName, "adapter_message_id", msg.AdapterMessageID)
			return false, nil
		}
		return false, fmt.Errorf("saving message: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(msg.ConversationID, msg)
	}
	return true, nil
}

// History returns a conversation's messages in chronological order.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.GetConversationMessages(ctx, conversationID, limit)
}

// GetConversation returns conversation metadata.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// ListConversations returns recent conversations.
func (s *Service) ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// MappingForConversation returns the mapping linking a conversation to an
// adapter, for the outbound path.
func (s *Service) MappingForConversation(ctx context.Context, conversationID, adapterName string) (*store.Mapping, error) {
	return s.store.GetMappingByConversation(ctx, conversationID, adapterName)
}
