// ABOUTME: Mailgun email adapter: inbound route webhooks and REST delivery
// ABOUTME: Threads via In-Reply-To headers and renders markdown to HTML with goldmark

package email

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/loomworks/loom-gateway/internal/adapter"
)

// signatureWindow bounds how old a webhook timestamp may be.
const signatureWindow = 15 * time.Minute

const defaultBaseURL = "https://api.mailgun.net/v3"

// Adapter bridges email conversations through Mailgun inbound routes and
// the Mailgun messages API.
type Adapter struct {
	domain     string
	apiKey     string
	signingKey string
	from       string
	baseURL    string
	httpClient *http.Client
	markdown   goldmark.Markdown
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an email adapter. baseURL overrides the Mailgun API endpoint
// when non-empty (used by tests and EU-region deployments).
func New(domain, apiKey, signingKey, from, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		domain:     domain,
		apiKey:     apiKey,
		signingKey: signingKey,
		from:       from,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		markdown:   goldmark.New(),
		logger:     slog.Default().With("component", "adapter.email"),
		now:        time.Now,
	}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return "email" }

// Capabilities returns email's capability descriptor. Email is batch-only:
// no streaming, no reactions, no message editing, and no hard length limit.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Threading:      true,
		RichFormatting: true,
		Attachments:    true,
		PreferredStyle: adapter.StyleComprehensive,
	}
}

// Verify checks the Mailgun webhook signature: HMAC-SHA256 over
// timestamp+token with the route signing key, with a bounded replay window.
// The signature fields travel in the form body, not headers.
func (a *Adapter) Verify(r *adapter.Request) bool {
	form, err := url.ParseQuery(string(r.Body))
	if err != nil {
		return false
	}

	timestamp := form.Get("timestamp")
	token := form.Get("token")
	signature := form.Get("signature")
	if timestamp == "" || token == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > signatureWindow || age < -signatureWindow {
		a.logger.Warn("webhook timestamp outside replay window")
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Receive parses an inbound route form post. The thread identity is the
// In-Reply-To header when present, otherwise the message's own Message-Id
// (it starts the thread).
func (a *Adapter) Receive(body []byte) (*adapter.Message, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, &adapter.ParseError{Adapter: "email", Reason: "decoding form body", Err: err}
	}

	sender := form.Get("sender")
	messageID := form.Get("Message-Id")
	if sender == "" || messageID == "" {
		return nil, &adapter.ParseError{Adapter: "email", Reason: "missing sender or Message-Id"}
	}

	// Prefer the quoted-reply-stripped text when Mailgun provides it
	content := strings.TrimSpace(form.Get("stripped-text"))
	if content == "" {
		content = strings.TrimSpace(form.Get("body-plain"))
	}
	if content == "" {
		return nil, adapter.ErrNotAMessage
	}

	threadID := form.Get("In-Reply-To")
	if threadID == "" {
		threadID = messageID
	}

	return &adapter.Message{
		Content:   content,
		ThreadID:  threadID,
		MessageID: messageID,
		UserID:    sender,
		Metadata: adapter.Metadata{
			"from":       sender,
			"to":         form.Get("recipient"),
			"subject":    form.Get("subject"),
			"message_id": messageID,
		},
	}, nil
}

// Send delivers a plain-text reply into the thread.
func (a *Adapter) Send(ctx context.Context, content, threadID string, meta adapter.Metadata) (string, error) {
	return a.deliver(ctx, content, "", threadID, meta)
}

// SendRich delivers a reply with both a plain-text part and an HTML part
// rendered from markdown.
func (a *Adapter) SendRich(ctx context.Context, markdown, threadID string, meta adapter.Metadata) (string, error) {
	var html bytes.Buffer
	if err := a.markdown.Convert([]byte(markdown), &html); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return a.deliver(ctx, markdown, html.String(), threadID, meta)
}

func (a *Adapter) deliver(ctx context.Context, text, html, threadID string, meta adapter.Metadata) (string, error) {
	to := meta["from"]
	if to == "" {
		return "", fmt.Errorf("email send: metadata missing from address")
	}

	form := url.Values{}
	form.Set("from", a.from)
	form.Set("to", to)
	form.Set("subject", replySubject(meta["subject"]))
	form.Set("text", text)
	if html != "" {
		form.Set("html", html)
	}
	if threadID != "" {
		form.Set("h:In-Reply-To", threadID)
		form.Set("h:References", threadID)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", a.baseURL, a.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building mailgun request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mailgun request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading mailgun response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mailgun returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding mailgun response: %w", err)
	}

	a.logger.Debug("sent email", "to", to, "message_id", result.ID)
	return result.ID, nil
}

// replySubject prefixes Re: unless the subject already carries one.
func replySubject(subject string) string {
	if subject == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// Verify contract and extensions at compile time.
var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.RichSender = (*Adapter)(nil)
)
