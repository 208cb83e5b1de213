// ABOUTME: Task executor: replays a task prompt as a turn in its conversation
// ABOUTME: Result delivery goes through the same router as inbound messages

package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom-gateway/internal/adapter"
	"github.com/loomworks/loom-gateway/internal/conversation"
	"github.com/loomworks/loom-gateway/internal/manager"
	"github.com/loomworks/loom-gateway/internal/store"
)

// AdapterSource resolves registered adapters by name.
type AdapterSource interface {
	Adapter(name string) (adapter.Adapter, error)
}

// Executor turns a stored task into an engine run delivered to the task's
// conversation channel.
type Executor struct {
	conv      *conversation.Service
	adapters  AdapterSource
	responder manager.Responder
	logger    *slog.Logger
}

func NewExecutor(conv *conversation.Service, adapters AdapterSource, responder manager.Responder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		conv:      conv,
		adapters:  adapters,
		responder: responder,
		logger:    logger.With("component", "task-executor"),
	}
}

var _ Runner = (*Executor)(nil)

// RunTask appends the task prompt to its conversation and routes the
// response to the conversation's channel.
func (e *Executor) RunTask(ctx context.Context, task *store.Task) error {
	a, err := e.adapters.Adapter(task.AdapterName)
	if err != nil {
		return err
	}

	mapping, err := e.conv.MappingForConversation(ctx, task.ConversationID, task.AdapterName)
	if err != nil {
		return fmt.Errorf("resolving task conversation: %w", err)
	}

	if _, err := e.conv.AppendMessage(ctx, &store.Message{
		ConversationID: task.ConversationID,
		Role:           store.RoleUser,
		Content:        task.Prompt,
		AdapterName:    task.AdapterName,
		UserID:         "task:" + task.ID,
	}); err != nil {
		return err
	}

	history, err := e.conv.History(ctx, task.ConversationID, 0)
	if err != nil {
		return fmt.Errorf("loading task history: %w", err)
	}

	return e.responder.Respond(ctx, manager.Delivery{
		Adapter:        a,
		ConversationID: task.ConversationID,
		ThreadID:       mapping.ThreadID,
		Metadata:       adapter.Metadata(mapping.Metadata),
	}, history)
}
