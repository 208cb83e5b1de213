// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	messageIndex  map[string]bool          // keyed by "adapterName:adapterMessageID"
	mappings      map[string]*Mapping      // keyed by mapping ID
	mappingIndex  map[string]string        // keyed by "adapterName:threadID" -> mapping ID
	tasks         map[string]*Task         // keyed by task ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]bool),
		mappings:      make(map[string]*Mapping),
		mappingIndex:  make(map[string]string),
		tasks:         make(map[string]*Task),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Conversation
	for _, c := range m.conversations {
		conv := *c
		result = append(result, &conv)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveMessage stores a message, enforcing adapter-message idempotence.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.AdapterMessageID != "" {
		key := msg.AdapterName + ":" + msg.AdapterMessageID
		if m.messageIndex[key] {
			return ErrDuplicateMessage
		}
		m.messageIndex[key] = true
	}

	saved := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &saved)

	if conv, ok := m.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// GetConversationMessages returns messages in chronological order.
func (m *MockStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}

	msgs := m.messages[conversationID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		result = append(result, &copied)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateMapping stores a new mapping, enforcing pair uniqueness.
func (m *MockStore) CreateMapping(ctx context.Context, mapping *Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mapping.AdapterName + ":" + mapping.ThreadID
	if _, exists := m.mappingIndex[key]; exists {
		return ErrDuplicateMapping
	}

	saved := *mapping
	saved.Metadata = copyMetadata(mapping.Metadata)
	m.mappings[saved.ID] = &saved
	m.mappingIndex[key] = saved.ID
	return nil
}

// GetMapping retrieves a mapping by adapter name and thread ID.
func (m *MockStore) GetMapping(ctx context.Context, adapterName, threadID string) (*Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.mappingIndex[adapterName+":"+threadID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.mappings[id]
	result.Metadata = copyMetadata(m.mappings[id].Metadata)
	return &result, nil
}

// GetMappingByConversation retrieves the earliest mapping linking a
// conversation to an adapter.
func (m *MockStore) GetMappingByConversation(ctx context.Context, conversationID, adapterName string) (*Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Mapping
	for _, mapping := range m.mappings {
		if mapping.ConversationID != conversationID || mapping.AdapterName != adapterName {
			continue
		}
		if found == nil || mapping.CreatedAt.Before(found.CreatedAt) {
			found = mapping
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	result.Metadata = copyMetadata(found.Metadata)
	return &result, nil
}

// ListMappings returns mappings ordered by creation time, newest first.
func (m *MockStore) ListMappings(ctx context.Context, limit int) ([]*Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Mapping
	for _, mapping := range m.mappings {
		copied := *mapping
		copied.Metadata = copyMetadata(mapping.Metadata)
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *task
	m.tasks[saved.ID] = &saved
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTasks returns tasks, optionally filtered by status.
func (m *MockStore) ListTasks(ctx context.Context, status string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Task
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		copied := *t
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateTask updates a stored task.
func (m *MockStore) UpdateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = task.Status
	existing.LastError = task.LastError
	existing.Schedule = task.Schedule
	existing.LastRunAt = copyTime(task.LastRunAt)
	existing.NextRunAt = copyTime(task.NextRunAt)
	existing.UpdatedAt = task.UpdatedAt
	return nil
}

// DeleteTask removes a task.
func (m *MockStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	return copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

// Verify MockStore implements Store interface at compile time.
var _ Store = (*MockStore)(nil)
