// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation/message/mapping/task persistence and uniqueness constraints

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	conv := &Conversation{ID: "conv-123", CreatedAt: now, UpdatedAt: now}

	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "conv-123")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, conv.ID)
	}
	if !got.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, conv.CreatedAt)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetConversation(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateMapping_DuplicatePair(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mustCreateConversation(t, store, "conv-1")
	mustCreateConversation(t, store, "conv-2")

	first := &Mapping{
		ID:             "map-1",
		AdapterName:    "slack",
		ThreadID:       "1727000000.000100",
		ConversationID: "conv-1",
		Metadata:       map[string]string{"channel": "C12345678"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateMapping(ctx, first); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	// Same pair, different conversation: must be rejected
	second := &Mapping{
		ID:             "map-2",
		AdapterName:    "slack",
		ThreadID:       "1727000000.000100",
		ConversationID: "conv-2",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateMapping(ctx, second); err != ErrDuplicateMapping {
		t.Errorf("expected ErrDuplicateMapping, got %v", err)
	}

	// Same thread ID on a different adapter is a different pair
	third := &Mapping{
		ID:             "map-3",
		AdapterName:    "email",
		ThreadID:       "1727000000.000100",
		ConversationID: "conv-2",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateMapping(ctx, third); err != nil {
		t.Errorf("CreateMapping on different adapter failed: %v", err)
	}
}

func TestGetMapping_MetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	meta := map[string]string{
		"channel":    "C12345678",
		"ts":         "1727000000.000100",
		"thread_ts":  "1726999999.000001",
		"event_type": "app_mention",
	}
	m := &Mapping{
		ID:             "map-1",
		AdapterName:    "slack",
		ThreadID:       "1726999999.000001",
		ConversationID: "conv-1",
		Metadata:       meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	got, err := store.GetMapping(ctx, "slack", "1726999999.000001")
	if err != nil {
		t.Fatalf("GetMapping failed: %v", err)
	}
	if got.ConversationID != "conv-1" {
		t.Errorf("ConversationID mismatch: got %q", got.ConversationID)
	}
	if len(got.Metadata) != len(meta) {
		t.Fatalf("metadata length mismatch: got %d, want %d", len(got.Metadata), len(meta))
	}
	for k, v := range meta {
		if got.Metadata[k] != v {
			t.Errorf("metadata[%q] mismatch: got %q, want %q", k, got.Metadata[k], v)
		}
	}
}

func TestGetMappingByConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	m := &Mapping{
		ID:             "map-1",
		AdapterName:    "email",
		ThreadID:       "<msg-1@mail.example.com>",
		ConversationID: "conv-1",
		Metadata:       map[string]string{"from": "user@example.com", "subject": "deploy help"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateMapping(ctx, m); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	got, err := store.GetMappingByConversation(ctx, "conv-1", "email")
	if err != nil {
		t.Fatalf("GetMappingByConversation failed: %v", err)
	}
	if got.ThreadID != m.ThreadID {
		t.Errorf("ThreadID mismatch: got %q, want %q", got.ThreadID, m.ThreadID)
	}

	if _, err := store.GetMappingByConversation(ctx, "conv-1", "slack"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unlinked adapter, got %v", err)
	}
}

func TestCreateMapping_ConcurrentSamePair(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	mustCreateConversation(t, store, "conv-base")

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateMapping(ctx, &Mapping{
				ID:             fmt.Sprintf("map-%d", i),
				AdapterName:    "slack",
				ThreadID:       "race-thread",
				ConversationID: "conv-base",
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}(i)
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range errs {
		switch err {
		case nil:
			created++
		case ErrDuplicateMapping:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("expected exactly 1 successful create, got %d", created)
	}
	if duplicates != writers-1 {
		t.Errorf("expected %d duplicates, got %d", writers-1, duplicates)
	}
}

func TestSaveMessage_AdapterMessageIdempotence(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	msg := &Message{
		ID:               "msg-1",
		ConversationID:   "conv-1",
		Role:             RoleUser,
		Content:          "hello",
		AdapterName:      "slack",
		AdapterMessageID: "1727000000.000100",
		UserID:           "U123",
		CreatedAt:        now,
	}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	// Webhook retry: same platform message, fresh row ID
	retry := *msg
	retry.ID = "msg-2"
	if err := store.SaveMessage(ctx, &retry); err != ErrDuplicateMessage {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}

	msgs, err := store.GetConversationMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message after retry, got %d", len(msgs))
	}
}

func TestSaveMessage_EmptyAdapterMessageIDNotDeduplicated(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	for i := 0; i < 3; i++ {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-1",
			Role:           RoleAssistant,
			Content:        "internal turn",
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage %d failed: %v", i, err)
		}
	}

	msgs, err := store.GetConversationMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}
}

func TestGetConversationMessages_Ordering(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	// Insert out of order
	for i, offset := range []int{2, 0, 1} {
		msg := &Message{
			ID:             fmt.Sprintf("msg-%d", i),
			ConversationID: "conv-1",
			Role:           RoleUser,
			Content:        fmt.Sprintf("message %d", offset),
			CreatedAt:      base.Add(time.Duration(offset) * time.Second),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := store.GetConversationMessages(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf("message %d", i)
		if msg.Content != want {
			t.Errorf("position %d: got %q, want %q", i, msg.Content, want)
		}
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	mustCreateConversation(t, store, "conv-1")

	next := now.Add(time.Hour)
	task := &Task{
		ID:             "task-1",
		ConversationID: "conv-1",
		AdapterName:    "slack",
		Prompt:         "summarize open incidents",
		Type:           TaskTypeScheduled,
		Schedule:       "0 9 * * *",
		Status:         TaskStatusPending,
		NextRunAt:      &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Schedule != task.Schedule {
		t.Errorf("Schedule mismatch: got %q, want %q", got.Schedule, task.Schedule)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("NextRunAt mismatch: got %v, want %v", got.NextRunAt, next)
	}

	ran := now.Add(time.Minute)
	got.Status = TaskStatusCompleted
	got.LastRunAt = &ran
	got.UpdatedAt = ran
	if err := store.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	pending, err := store.ListTasks(ctx, TaskStatusPending, 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending tasks, got %d", len(pending))
	}

	if err := store.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if err := store.DeleteTask(ctx, "task-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func mustCreateConversation(t *testing.T, store Store, id string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	if err := store.CreateConversation(context.Background(), &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
}
