// ABOUTME: Tests for the conversation service
// ABOUTME: Covers mapping resolution, first-contact races, and idempotent appends

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom-gateway/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureMapping_CreatesOnFirstContact(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	mapping, created, err := svc.EnsureMapping(ctx, "slack", "C123:1700000000.000100", map[string]string{"channel": "C123"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "slack", mapping.AdapterName)
	assert.Equal(t, "C123:1700000000.000100", mapping.ThreadID)
	assert.NotEmpty(t, mapping.ConversationID)

	conv, err := svc.GetConversation(ctx, mapping.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, mapping.ConversationID, conv.ID)
}

func TestEnsureMapping_ReturnsExistingMapping(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	first, created, err := svc.EnsureMapping(ctx, "email", "msg-id-1@example.com", nil)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.EnsureMapping(ctx, "email", "msg-id-1@example.com", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestEnsureMapping_SamePairDifferentAdapters(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	a, _, err := svc.EnsureMapping(ctx, "slack", "thread-1", nil)
	require.NoError(t, err)
	b, _, err := svc.EnsureMapping(ctx, "telegram", "thread-1", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

func TestEnsureMapping_ConcurrentFirstContact(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	const workers = 10
	results := make([]*store.Mapping, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Go(func() {
			results[i], _, errs[i] = svc.EnsureMapping(ctx, "slack", "C9:race", nil)
		})
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i], "worker %d", i)
	}
	// Every caller must land on the same conversation.
	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0].ConversationID, results[i].ConversationID)
	}
}

func TestAppendMessage_PersistsAndBroadcasts(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	svc := New(createTestStore(t), b, nil)
	ctx := context.Background()

	mapping, _, err := svc.EnsureMapping(ctx, "slack", "C1:t1", nil)
	require.NoError(t, err)

	ch := b.Subscribe(t.Context(), mapping.ConversationID)

	saved, err := svc.AppendMessage(ctx, &store.Message{
		ConversationID:   mapping.ConversationID,
		Role:             store.RoleUser,
		Content:          "deploy status?",
		AdapterName:      "slack",
		AdapterMessageID: "1700000000.000200",
		UserID:           "U42",
	})
	require.NoError(t, err)
	assert.True(t, saved)

	got := <-ch
	assert.Equal(t, "deploy status?", got.Content)
	assert.NotEmpty(t, got.ID)

	history, err := svc.History(ctx, mapping.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)
}

func TestAppendMessage_DuplicateIsNoOp(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	mapping, _, err := svc.EnsureMapping(ctx, "telegram", "8812", nil)
	require.NoError(t, err)

	msg := func() *store.Message {
		return &store.Message{
			ConversationID:   mapping.ConversationID,
			Role:             store.RoleUser,
			Content:          "hello",
			AdapterName:      "telegram",
			AdapterMessageID: "update-77",
		}
	}

	saved, err := svc.AppendMessage(ctx, msg())
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = svc.AppendMessage(ctx, msg())
	require.NoError(t, err)
	assert.False(t, saved, "replayed delivery should not produce a second record")

	history, err := svc.History(ctx, mapping.ConversationID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMappingForConversation_UnlinkedAdapter(t *testing.T) {
	svc := New(createTestStore(t), nil, nil)
	ctx := context.Background()

	mapping, _, err := svc.EnsureMapping(ctx, "slack", "C1:t9", nil)
	require.NoError(t, err)

	_, err = svc.MappingForConversation(ctx, mapping.ConversationID, "email")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
