// ABOUTME: ChannelAdapter contract and shared types for platform adapters
// ABOUTME: Defines Capabilities, the Adapter interface, and capability-gated extensions

package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAMessage is returned by Receive for payloads that verified correctly
// but do not represent a user message (handshakes, edits, bot echoes).
var ErrNotAMessage = errors.New("event is not a user message")

// ErrCapabilityMismatch is returned when code requests an extension the
// adapter's capability descriptor does not declare, or declares but does not
// implement. It indicates a wiring bug, never a runtime condition to retry.
var ErrCapabilityMismatch = errors.New("capability mismatch")

// Style is an adapter's preferred response style.
type Style string

const (
	// StyleConversational favors short, iterative replies with at most one
	// clarifying question per turn.
	StyleConversational Style = "conversational"
	// StyleComprehensive favors a single thorough reply with all open
	// questions batched together.
	StyleComprehensive Style = "comprehensive"
)

// Capabilities describes what a platform can do. It is fixed at adapter
// construction and read-only thereafter; the zero value of every field is the
// safe "unsupported" default.
type Capabilities struct {
	Streaming           bool
	Threading           bool
	RichFormatting      bool
	InteractiveElements bool
	Reactions           bool
	MessageEditing      bool
	Attachments         bool
	PreferredStyle      Style
	// MaxMessageLength is the platform's hard limit per outbound message in
	// characters. Zero means unbounded.
	MaxMessageLength int
}

// Metadata is the platform-specific envelope an adapter needs to address a
// reply (channel IDs, message timestamps, email headers). It is captured at
// receive time, persisted with the thread mapping, and handed back verbatim
// on the outbound path. Values must survive a JSON round trip unchanged.
type Metadata map[string]string

// Request is the raw inbound webhook request an adapter authenticates.
type Request struct {
	Headers http.Header
	Body    []byte
}

// Message is a normalized inbound user message.
type Message struct {
	// Content is the user-visible text with platform markup stripped.
	Content string
	// ThreadID is the platform's stable identifier for the conversation
	// context this message belongs to.
	ThreadID string
	// MessageID is the platform's identifier for this specific message,
	// used for deduplication and reactions.
	MessageID string
	UserID    string
	UserName  string
	Metadata  Metadata
}

// ParseError is returned by Receive when a payload that passed verification
// cannot be decoded into a message.
type ParseError struct {
	Adapter string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Adapter is the contract every platform integration implements. Verify,
// Receive, and Send are universal; everything else is an optional extension
// gated by the capability descriptor.
type Adapter interface {
	// Name is the unique registry key for this adapter (e.g. "slack").
	Name() string

	// Capabilities returns the immutable capability descriptor.
	Capabilities() Capabilities

	// Verify authenticates a raw inbound request. It fails closed: any
	// missing credential, stale timestamp, or signature mismatch is false.
	Verify(r *Request) bool

	// Receive parses a verified payload into a normalized message. It
	// returns ErrNotAMessage for non-message events and *ParseError for
	// payloads it cannot decode.
	Receive(body []byte) (*Message, error)

	// Send delivers content to the platform destination described by meta
	// and returns the platform's ID for the created message.
	Send(ctx context.Context, content, threadID string, meta Metadata) (string, error)
}

// Streamer is the streaming extension: fragments append to an in-flight
// outbound message previously established by Send. The adapter owns any
// buffering or rate limiting the platform requires; FinishStream flushes
// whatever is buffered and releases the per-delivery state.
type Streamer interface {
	StreamFragment(ctx context.Context, fragment, externalID string, meta Metadata) error
	FinishStream(ctx context.Context, externalID string, meta Metadata) error
}

// RichSender is the rich-formatting extension: content is markdown and the
// adapter renders it into the platform's native format.
type RichSender interface {
	SendRich(ctx context.Context, markdown, threadID string, meta Metadata) (string, error)
}

// Reactor is the reaction extension for lightweight status markers.
type Reactor interface {
	AddReaction(ctx context.Context, name, messageID string, meta Metadata) error
	RemoveReaction(ctx context.Context, name, messageID string, meta Metadata) error
}

// Action is one interactive element offered to the user.
type Action struct {
	ID    string
	Label string
	Value string
}

// Interaction is a normalized interactive-element callback.
type Interaction struct {
	ActionID  string
	Value     string
	UserID    string
	ThreadID  string
	MessageID string
	Metadata  Metadata
}

// Interactor is the interactive-elements extension.
type Interactor interface {
	SendInteractive(ctx context.Context, content string, actions []Action, threadID string, meta Metadata) (string, error)
	// ReceiveInteraction parses a verified interaction callback payload.
	ReceiveInteraction(body []byte) (*Interaction, error)
}

// StreamerFor returns the streaming extension of a. The capability flag and
// the interface must agree; any disagreement is ErrCapabilityMismatch.
func StreamerFor(a Adapter) (Streamer, error) {
	if !a.Capabilities().Streaming {
		return nil, fmt.Errorf("%s does not declare streaming: %w", a.Name(), ErrCapabilityMismatch)
	}
	s, ok := a.(Streamer)
	if !ok {
		return nil, fmt.Errorf("%s declares streaming but does not implement it: %w", a.Name(), ErrCapabilityMismatch)
	}
	return s, nil
}

// RichSenderFor returns the rich-formatting extension of a.
func RichSenderFor(a Adapter) (RichSender, error) {
	if !a.Capabilities().RichFormatting {
		return nil, fmt.Errorf("%s does not declare rich formatting: %w", a.Name(), ErrCapabilityMismatch)
	}
	s, ok := a.(RichSender)
	if !ok {
		return nil, fmt.Errorf("%s declares rich formatting but does not implement it: %w", a.Name(), ErrCapabilityMismatch)
	}
	return s, nil
}

// ReactorFor returns the reaction extension of a.
func ReactorFor(a Adapter) (Reactor, error) {
	if !a.Capabilities().Reactions {
		return nil, fmt.Errorf("%s does not declare reactions: %w", a.Name(), ErrCapabilityMismatch)
	}
	r, ok := a.(Reactor)
	if !ok {
		return nil, fmt.Errorf("%s declares reactions but does not implement it: %w", a.Name(), ErrCapabilityMismatch)
	}
	return r, nil
}

// InteractorFor returns the interactive-elements extension of a.
func InteractorFor(a Adapter) (Interactor, error) {
	if !a.Capabilities().InteractiveElements {
		return nil, fmt.Errorf("%s does not declare interactive elements: %w", a.Name(), ErrCapabilityMismatch)
	}
	i, ok := a.(Interactor)
	if !ok {
		return nil, fmt.Errorf("%s declares interactive elements but does not implement it: %w", a.Name(), ErrCapabilityMismatch)
	}
	return i, nil
}
