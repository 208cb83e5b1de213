// ABOUTME: Channel adapter manager: registry plus the inbound state machine
// ABOUTME: verify -> receive -> resolve -> append -> route, with outbound delivery

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom-gateway/internal/adapter"
	"github.com/loomworks/loom-gateway/internal/conversation"
	"github.com/loomworks/loom-gateway/internal/dedupe"
	"github.com/loomworks/loom-gateway/internal/store"
)

var (
	// ErrAuthentication means a webhook failed signature or token
	// verification. The request must produce no side effects.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnknownAdapter means the request named an adapter that is not
	// registered.
	ErrUnknownAdapter = errors.New("unknown adapter")

	// ErrNoMapping means an outbound send targeted a conversation that has
	// no mapping for the requested adapter. This is a caller bug, not a
	// recoverable condition.
	ErrNoMapping = errors.New("conversation has no mapping for adapter")
)

// DeliveryError wraps a platform send failure with enough context to act on.
type DeliveryError struct {
	Adapter        string
	ConversationID string
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed for conversation %s: %v", e.Adapter, e.ConversationID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Delivery identifies where a response goes.
type Delivery struct {
	Adapter        adapter.Adapter
	ConversationID string
	ThreadID       string
	Metadata       adapter.Metadata
	// MessageID is the inbound platform message that triggered this
	// delivery, used for ack reactions. Empty for scheduled work.
	MessageID string
}

// Responder turns conversation history into a delivered response. Deliver
// returns the platform message ID when the content went out as one message,
// empty when it was split.
type Responder interface {
	Respond(ctx context.Context, d Delivery, history []*store.Message) error
	Deliver(ctx context.Context, a adapter.Adapter, content, threadID string, meta adapter.Metadata) (string, error)
}

// Manager owns the adapter registry and drives message flow between
// platforms and the conversation layer.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter

	conv      *conversation.Service
	dedupe    *dedupe.Cache
	responder Responder
	locks     keyedMutex
	logger    *slog.Logger
}

// New creates a manager. dedupe may be nil to disable the pre-persistence
// duplicate filter (the store-level unique index still holds).
func New(conv *conversation.Service, responder Responder, cache *dedupe.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters:  make(map[string]adapter.Adapter),
		conv:      conv,
		dedupe:    cache,
		responder: responder,
		locks:     keyedMutex{entries: make(map[string]*lockEntry)},
		logger:    logger.With("component", "manager"),
	}
}

// Register adds an adapter to the registry. Registering a duplicate name is
// a wiring bug and panics.
func (m *Manager) Register(a adapter.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := a.Name()
	if _, exists := m.adapters[name]; exists {
		panic(fmt.Sprintf("adapter %q registered twice", name))
	}
	m.adapters[name] = a
	m.logger.Info("adapter registered", "adapter", name)
}

// Adapter returns a registered adapter by name.
func (m *Manager) Adapter(name string) (adapter.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Adapters returns all registered adapters.
func (m *Manager) Adapters() []adapter.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// HandleEvent processes one inbound webhook delivery. Verification failure
// is terminal and side-effect free. Non-message events and duplicate
// deliveries succeed as no-ops.
func (m *Manager) HandleEvent(ctx context.Context, adapterName string, req *adapter.Request) error {
	a, err := m.Adapter(adapterName)
	if err != nil {
		return err
	}

	if !a.Verify(req) {
		m.logger.Warn("webhook verification failed", "adapter", adapterName)
		return fmt.Errorf("%w: %s", ErrAuthentication, adapterName)
	}

	msg, err := a.Receive(req.Body)
	if err != nil {
		if errors.Is(err, adapter.ErrNotAMessage) {
			return nil
		}
		return err
	}

	if msg.MessageID != "" && m.dedupe != nil && m.dedupe.Seen(adapterName, msg.MessageID) {
		m.logger.Debug("duplicate delivery dropped",
			"adapter", adapterName, "message_id", msg.MessageID)
		return nil
	}

	mapping, history, ok, err := m.recordInbound(ctx, a, msg)
	if err != nil || !ok {
		return err
	}

	// The thread lock is released by now: engine invocation must not
	// serialize against other messages on the same thread.
	return m.responder.Respond(ctx, Delivery{
		Adapter:        a,
		ConversationID: mapping.ConversationID,
		ThreadID:       msg.ThreadID,
		Metadata:       msg.Metadata,
		MessageID:      msg.MessageID,
	}, history)
}

// recordInbound resolves the mapping and appends the message under the
// per-thread lock. ok is false when the append was a duplicate replay.
func (m *Manager) recordInbound(ctx context.Context, a adapter.Adapter, msg *adapter.Message) (*store.Mapping, []*store.Message, bool, error) {
	key := a.Name() + "\x00" + msg.ThreadID
	m.locks.lock(key)
	defer m.locks.unlock(key)

	mapping, _, err := m.conv.EnsureMapping(ctx, a.Name(), msg.ThreadID, msg.Metadata)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolving mapping: %w", err)
	}

	saved, err := m.conv.AppendMessage(ctx, &store.Message{
		ConversationID:   mapping.ConversationID,
		Role:             store.RoleUser,
		Content:          msg.Content,
		AdapterName:      a.Name(),
		AdapterMessageID: msg.MessageID,
		UserID:           msg.UserID,
	})
	if err != nil {
		return nil, nil, false, err
	}
	if !saved {
		return mapping, nil, false, nil
	}

	history, err := m.conv.History(ctx, mapping.ConversationID, 0)
	if err != nil {
		return nil, nil, false, fmt.Errorf("loading history: %w", err)
	}
	return mapping, history, true, nil
}

// HandleInteraction processes an interactive-element callback (button press)
// as a user turn in its conversation.
func (m *Manager) HandleInteraction(ctx context.Context, adapterName string, req *adapter.Request) error {
	a, err := m.Adapter(adapterName)
	if err != nil {
		return err
	}

	if !a.Verify(req) {
		m.logger.Warn("interaction verification failed", "adapter", adapterName)
		return fmt.Errorf("%w: %s", ErrAuthentication, adapterName)
	}

	interactor, err := adapter.InteractorFor(a)
	if err != nil {
		return err
	}

	in, err := interactor.ReceiveInteraction(req.Body)
	if err != nil {
		return err
	}

	content := in.Value
	if content == "" {
		content = in.ActionID
	}

	msg := &adapter.Message{
		Content:   content,
		ThreadID:  in.ThreadID,
		MessageID: in.MessageID,
		UserID:    in.UserID,
		Metadata:  in.Metadata,
	}

	mapping, history, ok, err := m.recordInbound(ctx, a, msg)
	if err != nil || !ok {
		return err
	}

	return m.responder.Respond(ctx, Delivery{
		Adapter:        a,
		ConversationID: mapping.ConversationID,
		ThreadID:       in.ThreadID,
		Metadata:       in.Metadata,
		MessageID:      in.MessageID,
	}, history)
}

// SendToAdapter delivers operator-injected content to the platform linked to
// a conversation. The conversation must already be mapped to the adapter.
func (m *Manager) SendToAdapter(ctx context.Context, conversationID, adapterName, content string) error {
	a, err := m.Adapter(adapterName)
	if err != nil {
		return err
	}

	mapping, err := m.conv.MappingForConversation(ctx, conversationID, adapterName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: conversation %s, adapter %s", ErrNoMapping, conversationID, adapterName)
		}
		return fmt.Errorf("resolving outbound mapping: %w", err)
	}

	// Deliver before persisting so the platform's message ID can be
	// recorded on the stored assistant message.
	externalID, err := m.responder.Deliver(ctx, a, content, mapping.ThreadID, adapter.Metadata(mapping.Metadata))
	if err != nil {
		return &DeliveryError{Adapter: adapterName, ConversationID: conversationID, Err: err}
	}

	if _, err := m.conv.AppendMessage(ctx, &store.Message{
		ConversationID:   conversationID,
		Role:             store.RoleAssistant,
		Content:          content,
		AdapterName:      adapterName,
		AdapterMessageID: externalID,
	}); err != nil {
		return err
	}
	return nil
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder releases.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	e.mu.Unlock()
}
