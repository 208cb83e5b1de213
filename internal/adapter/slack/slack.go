// ABOUTME: Slack adapter: webhook verification, event parsing, and Web API delivery
// ABOUTME: Implements streaming via chat.update, reactions, rich text, and Block Kit buttons

package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/loomworks/loom-gateway/internal/adapter"
)

// slackMaxMessageLength is Slack's practical per-message text limit.
const slackMaxMessageLength = 4000

// mentionPattern strips leading bot mentions like "<@U12345> ".
var mentionPattern = regexp.MustCompile(`^<@[A-Z0-9]+>\s*`)

// client is the subset of the Slack Web API the adapter uses.
// *slack.Client satisfies it; tests substitute a fake.
type client interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Adapter routes Slack events and replies through the Slack Web API.
type Adapter struct {
	api           client
	signingSecret string
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]string // outbound message ts -> accumulated text
}

// New creates a Slack adapter from a bot token and signing secret.
func New(botToken, signingSecret string) *Adapter {
	return newWithClient(slack.New(botToken), signingSecret)
}

func newWithClient(api client, signingSecret string) *Adapter {
	return &Adapter{
		api:           api,
		signingSecret: signingSecret,
		logger:        slog.Default().With("component", "adapter.slack"),
		inflight:      make(map[string]string),
	}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return "slack" }

// Capabilities returns Slack's capability descriptor.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:           true,
		Threading:           true,
		RichFormatting:      true,
		InteractiveElements: true,
		Reactions:           true,
		MessageEditing:      true,
		Attachments:         true,
		PreferredStyle:      adapter.StyleConversational,
		MaxMessageLength:    slackMaxMessageLength,
	}
}

// Verify checks the Slack request signature. The verifier enforces the
// v0 HMAC scheme including the replay window on X-Slack-Request-Timestamp.
func (a *Adapter) Verify(r *adapter.Request) bool {
	verifier, err := slack.NewSecretsVerifier(r.Headers, a.signingSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(r.Body); err != nil {
		return false
	}
	if err := verifier.Ensure(); err != nil {
		a.logger.Warn("signature verification failed")
		return false
	}
	return true
}

// Receive parses an Events API payload. URL verification handshakes, bot
// echoes, and message subtypes (edits, deletes) are ErrNotAMessage.
func (a *Adapter) Receive(body []byte) (*adapter.Message, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, &adapter.ParseError{Adapter: "slack", Reason: "decoding events payload", Err: err}
	}

	switch event.Type {
	case slackevents.URLVerification:
		return nil, adapter.ErrNotAMessage
	case slackevents.CallbackEvent:
		// handled below
	default:
		return nil, adapter.ErrNotAMessage
	}

	switch inner := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return a.normalize(inner.Text, inner.User, inner.Channel, inner.TimeStamp, inner.ThreadTimeStamp, "app_mention")
	case *slackevents.MessageEvent:
		if inner.BotID != "" || inner.SubType != "" {
			return nil, adapter.ErrNotAMessage
		}
		return a.normalize(inner.Text, inner.User, inner.Channel, inner.TimeStamp, inner.ThreadTimeStamp, "message")
	default:
		return nil, adapter.ErrNotAMessage
	}
}

// normalize builds the platform-independent message. The thread identity is
// the root thread_ts when present, otherwise this message starts the thread.
func (a *Adapter) normalize(text, user, channel, ts, threadTS, eventType string) (*adapter.Message, error) {
	content := strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	if content == "" {
		return nil, adapter.ErrNotAMessage
	}

	threadID := threadTS
	if threadID == "" {
		threadID = ts
	}

	return &adapter.Message{
		Content:   content,
		ThreadID:  threadID,
		MessageID: ts,
		UserID:    user,
		Metadata: adapter.Metadata{
			"channel":    channel,
			"ts":         ts,
			"thread_ts":  threadID,
			"event_type": eventType,
		},
	}, nil
}

// Send posts a message into the thread recorded in meta and returns its ts.
func (a *Adapter) Send(ctx context.Context, content, threadID string, meta adapter.Metadata) (string, error) {
	channel := meta["channel"]
	if channel == "" {
		return "", fmt.Errorf("slack send: metadata missing channel")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(content, false)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}

	_, ts, err := a.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post message: %w", err)
	}

	a.mu.Lock()
	a.inflight[ts] = content
	a.mu.Unlock()

	return ts, nil
}

// StreamFragment appends a fragment to an in-flight message by editing it
// with the accumulated text. Slack has no append API, so the adapter keeps
// the full text per outbound ts and replaces the message on each fragment.
func (a *Adapter) StreamFragment(ctx context.Context, fragment, externalID string, meta adapter.Metadata) error {
	channel := meta["channel"]
	if channel == "" {
		return fmt.Errorf("slack stream: metadata missing channel")
	}

	a.mu.Lock()
	a.inflight[externalID] += fragment
	accumulated := a.inflight[externalID]
	a.mu.Unlock()

	_, _, _, err := a.api.UpdateMessageContext(ctx, channel, externalID, slack.MsgOptionText(accumulated, false))
	if err != nil {
		return fmt.Errorf("slack update message: %w", err)
	}
	return nil
}

// FinishStream drops the in-flight buffer for a completed delivery. Every
// fragment already reached Slack via chat.update, so nothing is flushed.
func (a *Adapter) FinishStream(ctx context.Context, externalID string, meta adapter.Metadata) error {
	a.mu.Lock()
	delete(a.inflight, externalID)
	a.mu.Unlock()
	return nil
}

// SendRich posts markdown converted to Slack mrkdwn.
func (a *Adapter) SendRich(ctx context.Context, markdown, threadID string, meta adapter.Metadata) (string, error) {
	return a.Send(ctx, toMrkdwn(markdown), threadID, meta)
}

// AddReaction attaches an emoji reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, name, messageID string, meta adapter.Metadata) error {
	item := slack.ItemRef{Channel: meta["channel"], Timestamp: messageID}
	if err := a.api.AddReactionContext(ctx, name, item); err != nil {
		return fmt.Errorf("slack add reaction: %w", err)
	}
	return nil
}

// RemoveReaction removes an emoji reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, name, messageID string, meta adapter.Metadata) error {
	item := slack.ItemRef{Channel: meta["channel"], Timestamp: messageID}
	if err := a.api.RemoveReactionContext(ctx, name, item); err != nil {
		return fmt.Errorf("slack remove reaction: %w", err)
	}
	return nil
}

// SendInteractive posts a message with Block Kit buttons.
func (a *Adapter) SendInteractive(ctx context.Context, content string, actions []adapter.Action, threadID string, meta adapter.Metadata) (string, error) {
	channel := meta["channel"]
	if channel == "" {
		return "", fmt.Errorf("slack send interactive: metadata missing channel")
	}

	elements := make([]slack.BlockElement, 0, len(actions))
	for _, action := range actions {
		btn := slack.NewButtonBlockElement(action.ID, action.Value, slack.NewTextBlockObject(slack.PlainTextType, action.Label, false, false))
		elements = append(elements, btn)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, toMrkdwn(content), false, false), nil, nil),
		slack.NewActionBlock("loom-actions", elements...),
	}

	opts := []slack.MsgOption{slack.MsgOptionBlocks(blocks...)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}

	_, ts, err := a.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post interactive: %w", err)
	}
	return ts, nil
}

// ReceiveInteraction parses a block_actions callback. Slack delivers these
// form-encoded as payload=<json>.
func (a *Adapter) ReceiveInteraction(body []byte) (*adapter.Interaction, error) {
	raw := string(body)
	if strings.HasPrefix(raw, "payload=") {
		decoded, err := url.QueryUnescape(strings.TrimPrefix(raw, "payload="))
		if err != nil {
			return nil, &adapter.ParseError{Adapter: "slack", Reason: "decoding interaction form", Err: err}
		}
		raw = decoded
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &callback); err != nil {
		return nil, &adapter.ParseError{Adapter: "slack", Reason: "decoding interaction callback", Err: err}
	}
	if len(callback.ActionCallback.BlockActions) == 0 {
		return nil, &adapter.ParseError{Adapter: "slack", Reason: "callback has no block actions"}
	}

	action := callback.ActionCallback.BlockActions[0]
	threadID := callback.Message.ThreadTimestamp
	if threadID == "" {
		threadID = callback.Message.Timestamp
	}

	return &adapter.Interaction{
		ActionID:  action.ActionID,
		Value:     action.Value,
		UserID:    callback.User.ID,
		ThreadID:  threadID,
		MessageID: callback.Message.Timestamp,
		Metadata: adapter.Metadata{
			"channel": callback.Channel.ID,
		},
	}, nil
}

// toMrkdwn converts the markdown subset the engine emits into Slack mrkdwn.
func toMrkdwn(s string) string {
	// **bold** -> *bold*
	s = regexp.MustCompile(`\*\*([^*]+)\*\*`).ReplaceAllString(s, "*$1*")
	// [text](url) -> <url|text>
	s = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`).ReplaceAllString(s, "<$2|$1>")
	return s
}

// Verify contract and extensions at compile time.
var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Streamer   = (*Adapter)(nil)
	_ adapter.RichSender = (*Adapter)(nil)
	_ adapter.Reactor    = (*Adapter)(nil)
	_ adapter.Interactor = (*Adapter)(nil)
)
