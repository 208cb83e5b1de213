// ABOUTME: Tests for the channel-aware execution router
// ABOUTME: Covers style selection, streaming vs buffered delivery, and splitting

package router

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom-gateway/internal/adapter"
	"github.com/loomworks/loom-gateway/internal/conversation"
	"github.com/loomworks/loom-gateway/internal/engine"
	"github.com/loomworks/loom-gateway/internal/manager"
	"github.com/loomworks/loom-gateway/internal/store"
)

// chatAdapter is a scriptable in-memory adapter. Extensions are toggled
// through the capability descriptor; calls are recorded in order.
type chatAdapter struct {
	caps    adapter.Capabilities
	calls   []string
	sendErr error
	fragErr error
	nextID  int
}

func (a *chatAdapter) Name() string                       { return "chat" }
func (a *chatAdapter) Capabilities() adapter.Capabilities { return a.caps }
func (a *chatAdapter) Verify(_ *adapter.Request) bool     { return true }
func (a *chatAdapter) Receive(_ []byte) (*adapter.Message, error) {
	return nil, adapter.ErrNotAMessage
}

func (a *chatAdapter) Send(_ context.Context, content, _ string, _ adapter.Metadata) (string, error) {
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.nextID++
	a.calls = append(a.calls, "send:"+content)
	return "ext-" + strings.Repeat("i", a.nextID), nil
}

func (a *chatAdapter) StreamFragment(_ context.Context, fragment, externalID string, _ adapter.Metadata) error {
	if a.fragErr != nil {
		return a.fragErr
	}
	a.calls = append(a.calls, "frag:"+externalID+":"+fragment)
	return nil
}

func (a *chatAdapter) FinishStream(_ context.Context, externalID string, _ adapter.Metadata) error {
	a.calls = append(a.calls, "finish:"+externalID)
	return nil
}

func (a *chatAdapter) AddReaction(_ context.Context, name, _ string, _ adapter.Metadata) error {
	a.calls = append(a.calls, "+"+name)
	return nil
}

func (a *chatAdapter) RemoveReaction(_ context.Context, name, _ string, _ adapter.Metadata) error {
	a.calls = append(a.calls, "-"+name)
	return nil
}

func newTestRouter(t *testing.T, eng engine.Engine) (*Router, *conversation.Service) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	conv := conversation.New(st, nil, nil)
	return New(eng, conv, nil), conv
}

func userTurn(convID, content string) []*store.Message {
	return []*store.Message{{
		ConversationID: convID,
		Role:           store.RoleUser,
		Content:        content,
		AdapterName:    "chat",
	}}
}

func setupConversation(t *testing.T, conv *conversation.Service) string {
	t.Helper()
	mapping, _, err := conv.EnsureMapping(context.Background(), "chat", "t1", nil)
	require.NoError(t, err)
	return mapping.ConversationID
}

func TestRespond_BufferedWhenAdapterCannotStream(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "buffered reply"
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{PreferredStyle: adapter.StyleConversational}}
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1", MessageID: "m1",
	}, userTurn(convID, "hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"send:buffered reply"}, a.calls,
		"no streaming or reaction calls may reach a non-streaming adapter")
}

func TestRespond_StreamingPath(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "alpha beta gamma"
	eng.FragmentSize = 6
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{
		Streaming: true, Reactions: true,
		PreferredStyle: adapter.StyleConversational,
	}}
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1", MessageID: "m1",
	}, userTurn(convID, "hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"+eyes",
		"send:alpha ",
		"frag:ext-i:beta g",
		"frag:ext-i:amma",
		"finish:ext-i",
		"-eyes",
		"+white_check_mark",
	}, a.calls)
}

func TestRespond_StreamingWithoutReactionsSkipsReactions(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "ok"
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{Streaming: true}}
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1", MessageID: "m1",
	}, userTurn(convID, "hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"send:ok", "finish:ext-i"}, a.calls)
}

// materializedEngine hides RunStream to force the buffered path.
type materializedEngine struct {
	inner *engine.MockEngine
}

func (e *materializedEngine) Name() string { return e.inner.Name() }
func (e *materializedEngine) Run(ctx context.Context, req engine.Request) (string, error) {
	return e.inner.Run(ctx, req)
}

func TestRespond_MaterializedEngineDegradesToBuffered(t *testing.T) {
	inner := engine.NewMockEngine()
	inner.Reply = "all at once"
	r, conv := newTestRouter(t, &materializedEngine{inner: inner})
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{Streaming: true, Reactions: true}}
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1", MessageID: "m1",
	}, userTurn(convID, "hi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"send:all at once"}, a.calls,
		"a materialized engine must take the buffered path even on a streaming channel")
}

func TestRespond_StreamingDeliveryFailureStopsEngineStream(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "one two three four five six seven"
	eng.FragmentSize = 6
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{
		caps:    adapter.Capabilities{Streaming: true},
		fragErr: assert.AnError,
	}

	before := runtime.NumGoroutine()
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, userTurn(convID, "hi"))

	var dErr *manager.DeliveryError
	require.ErrorAs(t, err, &dErr)

	// The engine's producer goroutine must wind down once the router
	// abandons the stream, even though Respond ran with a background
	// context. Poll from the test goroutine itself: assert.Eventually
	// runs its condition in a spawned goroutine, which would inflate
	// the count being measured.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatal("engine stream producer must not outlive a failed delivery")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRespond_StreamingSplitsOversizedFragment(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "aaaaaaaaaabbbbbbbbbbcccc"
	eng.FragmentSize = 64
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{Streaming: true, MaxMessageLength: 10}}
	require.NoError(t, r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, userTurn(convID, "hi")))

	assert.Equal(t, []string{
		"send:aaaaaaaaaa",
		"finish:ext-i",
		"send:bbbbbbbbbb",
		"finish:ext-ii",
		"send:cccc",
		"finish:ext-iii",
	}, a.calls, "a fragment above the channel limit must be split, never sent whole")
}

func TestRespond_StyleInstructionsFollowDescriptor(t *testing.T) {
	tests := []struct {
		name  string
		style adapter.Style
		want  string
	}{
		{"conversational", adapter.StyleConversational, "at most one clarifying question"},
		{"comprehensive", adapter.StyleComprehensive, "batch all open questions"},
		{"default", "", "at most one clarifying question"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := engine.NewMockEngine()
			r, conv := newTestRouter(t, eng)
			convID := setupConversation(t, conv)

			a := &chatAdapter{caps: adapter.Capabilities{PreferredStyle: tt.style}}
			err := r.Respond(context.Background(), manager.Delivery{
				Adapter: a, ConversationID: convID, ThreadID: "t1",
			}, userTurn(convID, "hi"))
			require.NoError(t, err)

			calls := eng.Calls()
			require.Len(t, calls, 1)
			assert.Contains(t, calls[0].SystemPrompt, tt.want)
		})
	}
}

func TestRespond_HistoryPrecedesPrompt(t *testing.T) {
	eng := engine.NewMockEngine()
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	history := []*store.Message{
		{ConversationID: convID, Role: store.RoleUser, Content: "first question"},
		{ConversationID: convID, Role: store.RoleAssistant, Content: "first answer"},
		{ConversationID: convID, Role: store.RoleUser, Content: "follow-up"},
	}
	a := &chatAdapter{}
	require.NoError(t, r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, history))

	calls := eng.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].History, 2)
	assert.Equal(t, "assistant", calls[0].History[1].Role)
	assert.Equal(t, "follow-up", calls[0].Prompt)
}

func TestRespond_PersistsAssistantResponse(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "persisted"
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{}
	require.NoError(t, r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, userTurn(convID, "hi")))

	history, err := conv.History(context.Background(), convID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleAssistant, history[0].Role)
	assert.Equal(t, "persisted", history[0].Content)
	assert.Equal(t, "ext-i", history[0].AdapterMessageID,
		"the outbound platform message ID must be linked to the stored message")
}

func TestRespond_StreamingPersistsExternalID(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.Reply = "short stream"
	eng.FragmentSize = 6
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{caps: adapter.Capabilities{Streaming: true}}
	require.NoError(t, r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, userTurn(convID, "hi")))

	history, err := conv.History(context.Background(), convID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ext-i", history[0].AdapterMessageID,
		"a single-message stream links the established outbound message")
}

func TestRespond_SendFailureIsDeliveryError(t *testing.T) {
	eng := engine.NewMockEngine()
	r, conv := newTestRouter(t, eng)
	convID := setupConversation(t, conv)

	a := &chatAdapter{sendErr: assert.AnError}
	err := r.Respond(context.Background(), manager.Delivery{
		Adapter: a, ConversationID: convID, ThreadID: "t1",
	}, userTurn(convID, "hi"))

	var dErr *manager.DeliveryError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, "chat", dErr.Adapter)
}

func TestDeliver_SplitsLongOutput(t *testing.T) {
	eng := engine.NewMockEngine()
	r, _ := newTestRouter(t, eng)

	a := &chatAdapter{caps: adapter.Capabilities{MaxMessageLength: 20}}
	content := "first paragraph\n\nsecond paragraph\n\nthird"
	externalID, err := r.Deliver(context.Background(), a, content, "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, externalID, "a split delivery has no single message to link")

	require.Len(t, a.calls, 3)
	for _, call := range a.calls {
		assert.LessOrEqual(t, len(strings.TrimPrefix(call, "send:")), 20)
	}
	assert.Equal(t, "send:first paragraph", a.calls[0])
}

func TestDeliver_SingleSendReturnsExternalID(t *testing.T) {
	eng := engine.NewMockEngine()
	r, _ := newTestRouter(t, eng)

	a := &chatAdapter{}
	externalID, err := r.Deliver(context.Background(), a, "fits in one", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ext-i", externalID)
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		want    []string
	}{
		{
			name:    "unbounded",
			content: "anything at all",
			max:     0,
			want:    []string{"anything at all"},
		},
		{
			name:    "fits",
			content: "short",
			max:     100,
			want:    []string{"short"},
		},
		{
			name:    "paragraph boundaries",
			content: "aaaa\n\nbbbb\n\ncccc",
			max:     10,
			want:    []string{"aaaa\n\nbbbb", "cccc"},
		},
		{
			name:    "oversized paragraph falls back to lines",
			content: "line one\nline two\nline three",
			max:     17,
			want:    []string{"line one\nline two", "line three"},
		},
		{
			name:    "oversized line hard splits",
			content: "abcdefghij",
			max:     4,
			want:    []string{"abcd", "efgh", "ij"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.content, tt.max)
			assert.Equal(t, tt.want, got)
			// Splitting must never lose content.
			joined := strings.Join(got, "")
			stripped := strings.NewReplacer("\n", "", " ", "").Replace(tt.content)
			joinedStripped := strings.NewReplacer("\n", "", " ", "").Replace(joined)
			assert.Equal(t, stripped, joinedStripped)
		})
	}
}

func TestHardSplit_RespectsRuneBoundaries(t *testing.T) {
	chunks := hardSplit("héllo wörld", 5)
	var rebuilt strings.Builder
	for _, c := range chunks {
		assert.True(t, strings.ToValidUTF8(c, "?") == c, "chunk %q must be valid UTF-8", c)
		rebuilt.WriteString(c)
	}
	assert.Equal(t, "héllo wörld", rebuilt.String())
}
