// ABOUTME: Telegram adapter: webhook updates, sendMessage delivery, edit-based streaming
// ABOUTME: Buffers fragments and coalesces editMessageText calls to respect Bot API rate limits

package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/loomworks/loom-gateway/internal/adapter"
)

// telegramMaxMessageLength is the Bot API per-message text limit.
const telegramMaxMessageLength = 4096

// minEditChunk is how much buffered text must accumulate before an
// editMessageText call is issued; smaller fragments are coalesced.
const minEditChunk = 24

// secretTokenHeader carries the webhook secret Telegram echoes back.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// client is the subset of the Bot API the adapter uses.
// *tgbotapi.BotAPI satisfies it; tests substitute a fake.
type client interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// stream tracks one in-flight outbound message being built by edits.
type stream struct {
	chatID    int64
	messageID int
	sent      string // text already delivered by the last edit
	pending   string // buffered text not yet delivered
}

// Adapter routes Telegram webhook updates and replies through the Bot API.
type Adapter struct {
	api           client
	webhookSecret string
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]*stream // keyed by outbound message ID
}

// New creates a Telegram adapter. The webhook secret must match the
// secret_token configured on setWebhook.
func New(botToken, webhookSecret string) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot client: %w", err)
	}
	return newWithClient(api, webhookSecret), nil
}

func newWithClient(api client, webhookSecret string) *Adapter {
	return &Adapter{
		api:           api,
		webhookSecret: webhookSecret,
		logger:        slog.Default().With("component", "adapter.telegram"),
		inflight:      make(map[string]*stream),
	}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return "telegram" }

// Capabilities returns Telegram's capability descriptor.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:           true,
		RichFormatting:      true,
		InteractiveElements: true,
		MessageEditing:      true,
		Attachments:         true,
		PreferredStyle:      adapter.StyleConversational,
		MaxMessageLength:    telegramMaxMessageLength,
	}
}

// Verify checks the webhook secret token header in constant time.
func (a *Adapter) Verify(r *adapter.Request) bool {
	got := r.Headers.Get(secretTokenHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.webhookSecret)) == 1
}

// Receive parses a webhook update. Edited messages, bot echoes, and
// non-message updates (including callback queries, which travel through
// ReceiveInteraction) are ErrNotAMessage.
func (a *Adapter) Receive(body []byte) (*adapter.Message, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, &adapter.ParseError{Adapter: "telegram", Reason: "decoding update", Err: err}
	}

	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil, adapter.ErrNotAMessage
	}
	if msg.From != nil && msg.From.IsBot {
		return nil, adapter.ErrNotAMessage
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	var userID, userName string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
		userName = msg.From.UserName
	}

	return &adapter.Message{
		Content:   msg.Text,
		ThreadID:  chatID, // one conversation per chat
		MessageID: strconv.Itoa(msg.MessageID),
		UserID:    userID,
		UserName:  userName,
		Metadata: adapter.Metadata{
			"chat_id":    chatID,
			"message_id": strconv.Itoa(msg.MessageID),
			"chat_type":  msg.Chat.Type,
		},
	}, nil
}

func chatIDFromMeta(meta adapter.Metadata) (int64, error) {
	raw := meta["chat_id"]
	if raw == "" {
		return 0, fmt.Errorf("telegram: metadata missing chat_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat_id %q: %w", raw, err)
	}
	return id, nil
}

// Send delivers a message to the chat recorded in meta.
func (a *Adapter) Send(ctx context.Context, content, threadID string, meta adapter.Metadata) (string, error) {
	chatID, err := chatIDFromMeta(meta)
	if err != nil {
		return "", err
	}

	sent, err := a.api.Send(tgbotapi.NewMessage(chatID, content))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}

	externalID := strconv.Itoa(sent.MessageID)
	a.mu.Lock()
	a.inflight[externalID] = &stream{chatID: chatID, messageID: sent.MessageID, sent: content}
	a.mu.Unlock()

	return externalID, nil
}

// StreamFragment buffers a fragment and edits the in-flight message once
// enough text has accumulated. Telegram throttles edits aggressively, so
// tiny fragments are coalesced rather than flushed one by one.
func (a *Adapter) StreamFragment(ctx context.Context, fragment, externalID string, meta adapter.Metadata) error {
	a.mu.Lock()
	st, ok := a.inflight[externalID]
	if !ok {
		chatID, err := chatIDFromMeta(meta)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		messageID, err := strconv.Atoi(externalID)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("telegram: invalid message id %q: %w", externalID, err)
		}
		st = &stream{chatID: chatID, messageID: messageID}
		a.inflight[externalID] = st
	}
	st.pending += fragment
	flush := len(st.pending) >= minEditChunk
	var edit tgbotapi.EditMessageTextConfig
	if flush {
		st.sent += st.pending
		st.pending = ""
		edit = tgbotapi.NewEditMessageText(st.chatID, st.messageID, st.sent)
	}
	a.mu.Unlock()

	if !flush {
		return nil
	}
	if _, err := a.api.Send(edit); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// FinishStream flushes any buffered text and releases the delivery state.
func (a *Adapter) FinishStream(ctx context.Context, externalID string, meta adapter.Metadata) error {
	a.mu.Lock()
	st, ok := a.inflight[externalID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.inflight, externalID)
	flush := st.pending != ""
	var edit tgbotapi.EditMessageTextConfig
	if flush {
		edit = tgbotapi.NewEditMessageText(st.chatID, st.messageID, st.sent+st.pending)
	}
	a.mu.Unlock()

	if !flush {
		return nil
	}
	if _, err := a.api.Send(edit); err != nil {
		return fmt.Errorf("telegram final edit: %w", err)
	}
	return nil
}

// SendRich delivers markdown with Telegram's Markdown parse mode.
func (a *Adapter) SendRich(ctx context.Context, markdown, threadID string, meta adapter.Metadata) (string, error) {
	chatID, err := chatIDFromMeta(meta)
	if err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(chatID, markdown)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := a.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send rich: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendInteractive delivers a message with an inline keyboard.
func (a *Adapter) SendInteractive(ctx context.Context, content string, actions []adapter.Action, threadID string, meta adapter.Metadata) (string, error) {
	chatID, err := chatIDFromMeta(meta)
	if err != nil {
		return "", err
	}

	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, action := range actions {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(action.Label, action.ID+":"+action.Value))
	}

	msg := tgbotapi.NewMessage(chatID, content)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
	sent, err := a.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send interactive: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// ReceiveInteraction parses a callback query update. The inline keyboard
// packs "actionID:value" into the callback data.
func (a *Adapter) ReceiveInteraction(body []byte) (*adapter.Interaction, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, &adapter.ParseError{Adapter: "telegram", Reason: "decoding update", Err: err}
	}

	cb := update.CallbackQuery
	if cb == nil || cb.Message == nil {
		return nil, &adapter.ParseError{Adapter: "telegram", Reason: "update is not a callback query"}
	}

	actionID, value := cb.Data, ""
	if i := strings.IndexByte(cb.Data, ':'); i >= 0 {
		actionID, value = cb.Data[:i], cb.Data[i+1:]
	}

	chatID := strconv.FormatInt(cb.Message.Chat.ID, 10)
	return &adapter.Interaction{
		ActionID:  actionID,
		Value:     value,
		UserID:    strconv.FormatInt(cb.From.ID, 10),
		ThreadID:  chatID,
		MessageID: strconv.Itoa(cb.Message.MessageID),
		Metadata: adapter.Metadata{
			"chat_id": chatID,
		},
	}, nil
}

// Verify contract and extensions at compile time.
var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.Streamer   = (*Adapter)(nil)
	_ adapter.RichSender = (*Adapter)(nil)
	_ adapter.Interactor = (*Adapter)(nil)
)
