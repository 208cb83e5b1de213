// ABOUTME: Broadcaster fans out appended messages to live subscribers
// ABOUTME: Per-conversation pub/sub backing the SSE event feed

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom-gateway/internal/store"
)

const subscriberBufferSize = 64

// Broadcaster distributes newly appended messages to subscribers keyed by
// conversation ID. Publishing never blocks: a subscriber that falls behind
// drops messages rather than stalling ingestion.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *store.Message]struct{}
	closed      bool
	logger      *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[chan *store.Message]struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers interest in a conversation's messages. The subscription
// is removed automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) <-chan *store.Message {
	ch := make(chan *store.Message, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	if b.subscribers[conversationID] == nil {
		b.subscribers[conversationID] = make(map[chan *store.Message]struct{})
	}
	b.subscribers[conversationID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(conversationID, ch)
	}()

	return ch
}

func (b *Broadcaster) unsubscribe(conversationID string, ch chan *store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
}

// Publish delivers msg to every subscriber of the conversation.
func (b *Broadcaster) Publish(conversationID string, msg *store.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subscribers[conversationID] {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("subscriber buffer full, dropping message",
				"conversation_id", conversationID)
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for convID, subs := range b.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, convID)
	}
}
