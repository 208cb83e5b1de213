// ABOUTME: Store interface and data types for loom-gateway persistence
// ABOUTME: Defines Conversation, Message, Mapping, Task structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMapping is returned when a mapping for the same
// (adapter_name, thread_id) pair already exists
var ErrDuplicateMapping = errors.New("mapping already exists")

// ErrDuplicateMessage is returned when a message with the same
// (adapter_name, adapter_message_id) pair was already recorded
var ErrDuplicateMessage = errors.New("message already recorded")

// Conversation is the engine-side identity all platform threads map into
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single turn within a conversation. AdapterName and
// AdapterMessageID record provenance and enforce idempotence for messages
// that originated on (or were delivered to) a platform.
type Message struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	AdapterName      string
	AdapterMessageID string
	UserID           string
	CreatedAt        time.Time
}

// Mapping links a platform-native thread to a conversation. The
// (adapter_name, thread_id) pair is unique; mappings are never deleted in
// normal operation. Metadata is the platform envelope snapshot captured when
// the mapping was created, used to address later outbound sends.
type Mapping struct {
	ID             string
	AdapterName    string
	ThreadID       string
	ConversationID string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskType constants
const (
	TaskTypeDelegation = "delegation" // run once, as soon as picked up
	TaskTypeScheduled  = "scheduled"  // run on a cron schedule
)

// TaskStatus constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Task is a background prompt execution bound to a conversation
type Task struct {
	ID             string
	ConversationID string
	AdapterName    string
	Prompt         string
	Type           string // "delegation" or "scheduled"
	Schedule       string // cron expression, empty for delegations
	Status         string
	LastError      string
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// Messages (conversation history is the source of truth)
	SaveMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Thread mappings
	CreateMapping(ctx context.Context, m *Mapping) error
	GetMapping(ctx context.Context, adapterName, threadID string) (*Mapping, error)
	GetMappingByConversation(ctx context.Context, conversationID, adapterName string) (*Mapping, error)
	ListMappings(ctx context.Context, limit int) ([]*Mapping, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, status string, limit int) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
