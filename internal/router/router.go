// ABOUTME: Channel-aware execution router: picks style and delivery mode
// ABOUTME: from the capability descriptor, streams or buffers, splits long output

package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/loomworks/loom-gateway/internal/adapter"
	"github.com/loomworks/loom-gateway/internal/conversation"
	"github.com/loomworks/loom-gateway/internal/engine"
	"github.com/loomworks/loom-gateway/internal/manager"
	"github.com/loomworks/loom-gateway/internal/store"
)

const (
	conversationalInstructions = "You are responding in a real-time chat. " +
		"Keep replies short and iterative. Ask at most one clarifying question " +
		"per turn and wait for the answer before going deeper."

	comprehensiveInstructions = "You are responding in a slow, asynchronous " +
		"medium. Write one complete, well-structured response that covers the " +
		"whole request. If anything is unclear, batch all open questions at " +
		"the end instead of asking one at a time."

	ackReaction  = "eyes"
	doneReaction = "white_check_mark"
)

// Router turns conversation history into an engine run and delivers the
// result the way the target channel can handle it. It holds no locks: by the
// time a Delivery reaches it, the inbound message is already persisted.
type Router struct {
	engine engine.Engine
	conv   *conversation.Service
	logger *slog.Logger
}

func New(eng engine.Engine, conv *conversation.Service, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine: eng,
		conv:   conv,
		logger: logger.With("component", "router"),
	}
}

var _ manager.Responder = (*Router)(nil)

// Respond runs the engine over history and delivers the result. Streaming is
// used only when both the adapter and the engine support it; everything else
// takes the buffered path.
func (r *Router) Respond(ctx context.Context, d manager.Delivery, history []*store.Message) error {
	caps := d.Adapter.Capabilities()
	req := buildRequest(caps, history)

	streamer, streamerErr := adapter.StreamerFor(d.Adapter)
	streamEngine, engineStreams := r.engine.(engine.StreamingEngine)

	var output, externalID string
	var err error
	if streamerErr == nil && engineStreams {
		output, externalID, err = r.respondStreaming(ctx, d, streamer, streamEngine, req)
	} else {
		output, externalID, err = r.respondBuffered(ctx, d, req)
	}

	if output != "" {
		if _, persistErr := r.conv.AppendMessage(ctx, &store.Message{
			ConversationID:   d.ConversationID,
			Role:             store.RoleAssistant,
			Content:          output,
			AdapterName:      d.Adapter.Name(),
			AdapterMessageID: externalID,
		}); persistErr != nil {
			r.logger.Error("failed to persist assistant response",
				"conversation_id", d.ConversationID, "error", persistErr)
			if err == nil {
				err = persistErr
			}
		}
	}
	return err
}

func buildRequest(caps adapter.Capabilities, history []*store.Message) engine.Request {
	req := engine.Request{SystemPrompt: styleInstructions(caps)}
	if len(history) == 0 {
		return req
	}

	for _, msg := range history[:len(history)-1] {
		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "assistant"
		}
		req.History = append(req.History, engine.Turn{Role: role, Content: msg.Content})
	}
	req.Prompt = history[len(history)-1].Content
	return req
}

func styleInstructions(caps adapter.Capabilities) string {
	if caps.PreferredStyle == adapter.StyleComprehensive {
		return comprehensiveInstructions
	}
	return conversationalInstructions
}

// respondBuffered runs the engine to completion and sends the whole result,
// split at message-length boundaries when the channel has one. The returned
// external ID links the persisted message when the output fit in one send.
func (r *Router) respondBuffered(ctx context.Context, d manager.Delivery, req engine.Request) (string, string, error) {
	output, err := r.engine.Run(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("engine run: %w", err)
	}
	externalID, err := r.Deliver(ctx, d.Adapter, output, d.ThreadID, d.Metadata)
	if err != nil {
		return output, "", &manager.DeliveryError{
			Adapter:        d.Adapter.Name(),
			ConversationID: d.ConversationID,
			Err:            err,
		}
	}
	return output, externalID, nil
}

// respondStreaming forwards engine fragments to the adapter as they arrive.
// The first fragment establishes the outbound message; when accumulated text
// would exceed the channel limit the current message is finished and a new
// one started. Returns the full text for persistence even on partial failure,
// plus the external ID when the whole response landed in one outbound message.
func (r *Router) respondStreaming(ctx context.Context, d manager.Delivery, streamer adapter.Streamer, streamEngine engine.StreamingEngine, req engine.Request) (string, string, error) {
	caps := d.Adapter.Capabilities()
	r.react(ctx, d, "", ackReaction)

	// Cancelling the stream context on return unblocks the engine's
	// producer goroutine when delivery fails mid-stream.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := streamEngine.RunStream(streamCtx, req)
	if err != nil {
		r.react(ctx, d, ackReaction, "")
		return "", "", fmt.Errorf("engine stream: %w", err)
	}

	var full strings.Builder
	var externalID string
	segmentLen := 0
	rolled := false

	finish := func() {
		if externalID == "" {
			return
		}
		if err := streamer.FinishStream(ctx, externalID, d.Metadata); err != nil {
			r.logger.Warn("finishing stream failed",
				"adapter", d.Adapter.Name(), "external_id", externalID, "error", err)
		}
	}

	// singleID reports the outbound message ID only when the response
	// stayed in one message; a rolled-over response has no single linkage.
	singleID := func() string {
		if rolled {
			return ""
		}
		return externalID
	}

	deliver := func(text string) error {
		if externalID != "" && caps.MaxMessageLength > 0 &&
			segmentLen+len(text) > caps.MaxMessageLength {
			// Channel limit reached mid-stream: close out this message
			// and continue in a fresh one. Never truncate.
			finish()
			externalID = ""
			segmentLen = 0
			rolled = true
		}
		var err error
		if externalID == "" {
			externalID, err = d.Adapter.Send(ctx, text, d.ThreadID, d.Metadata)
		} else {
			err = streamer.StreamFragment(ctx, text, externalID, d.Metadata)
		}
		if err != nil {
			return err
		}
		segmentLen += len(text)
		return nil
	}

	for ev := range events {
		switch ev.Type {
		case engine.EventText:
			full.WriteString(ev.Text)
			// A single fragment can exceed the channel limit on its own;
			// split it down before it reaches the adapter.
			pieces := []string{ev.Text}
			if caps.MaxMessageLength > 0 && len(ev.Text) > caps.MaxMessageLength {
				pieces = splitMessage(ev.Text, caps.MaxMessageLength)
			}
			for _, piece := range pieces {
				if err := deliver(piece); err != nil {
					finish()
					r.react(ctx, d, ackReaction, "")
					return full.String(), "", &manager.DeliveryError{
						Adapter:        d.Adapter.Name(),
						ConversationID: d.ConversationID,
						Err:            err,
					}
				}
			}

		case engine.EventError:
			finish()
			r.react(ctx, d, ackReaction, "")
			return full.String(), "", fmt.Errorf("engine stream: %w", ev.Err)

		case engine.EventDone:
			finish()
			r.react(ctx, d, ackReaction, doneReaction)
			return full.String(), singleID(), nil
		}
	}

	// Channel closed without a terminal event; treat as done.
	finish()
	r.react(ctx, d, ackReaction, doneReaction)
	return full.String(), singleID(), nil
}

// react swaps reactions on the triggering message: removes remove (if set)
// and adds add (if set). Reaction failures are logged, never fatal.
func (r *Router) react(ctx context.Context, d manager.Delivery, remove, add string) {
	if d.MessageID == "" {
		return
	}
	reactor, err := adapter.ReactorFor(d.Adapter)
	if err != nil {
		return
	}
	if remove != "" {
		if err := reactor.RemoveReaction(ctx, remove, d.MessageID, d.Metadata); err != nil {
			r.logger.Debug("removing reaction failed", "reaction", remove, "error", err)
		}
	}
	if add != "" {
		if err := reactor.AddReaction(ctx, add, d.MessageID, d.Metadata); err != nil {
			r.logger.Debug("adding reaction failed", "reaction", add, "error", err)
		}
	}
}

// Deliver sends content through the adapter in one or more messages,
// respecting the channel's length limit and its formatting capability.
// When the content fits in a single message the platform's ID for it is
// returned so callers can record the outbound linkage.
func (r *Router) Deliver(ctx context.Context, a adapter.Adapter, content, threadID string, meta adapter.Metadata) (string, error) {
	caps := a.Capabilities()
	parts := splitMessage(content, caps.MaxMessageLength)

	richSender, richErr := adapter.RichSenderFor(a)
	var lastID string
	for i, part := range parts {
		var err error
		if richErr == nil {
			lastID, err = richSender.SendRich(ctx, part, threadID, meta)
		} else {
			lastID, err = a.Send(ctx, part, threadID, meta)
		}
		if err != nil {
			return "", fmt.Errorf("sending part %d/%d: %w", i+1, len(parts), err)
		}
	}
	if len(parts) > 1 {
		return "", nil
	}
	return lastID, nil
}

// splitMessage splits content into chunks no longer than max bytes,
// preferring paragraph boundaries, then line boundaries, then a hard split
// that respects rune boundaries. max <= 0 means unbounded.
func splitMessage(content string, max int) []string {
	if max <= 0 || len(content) <= max {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(content, "\n\n") {
		if len(para) > max {
			flush()
			chunks = append(chunks, splitLong(para, max)...)
			continue
		}
		// +2 accounts for the paragraph separator being restored.
		if current.Len() > 0 && current.Len()+2+len(para) > max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// splitLong breaks an oversized paragraph on line boundaries, hard-splitting
// any single line that still exceeds max.
func splitLong(para string, max int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(para, "\n") {
		if len(line) > max {
			flush()
			chunks = append(chunks, hardSplit(line, max)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(line) > max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}

// hardSplit cuts s into max-byte pieces without breaking UTF-8 sequences.
func hardSplit(s string, max int) []string {
	var chunks []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
