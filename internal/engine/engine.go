// ABOUTME: Agent engine contract: materialized and streaming generation
// ABOUTME: Defines Request/Event types shared by the Anthropic and mock engines

package engine

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the engine produced no text at all.
var ErrEmptyResponse = errors.New("engine returned empty response")

// Turn is one prior exchange supplied as conversation context.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single generation request. History is chronological and the
// new user prompt is carried separately so engines can frame it last.
type Request struct {
	SystemPrompt string
	History      []Turn
	Prompt       string
}

// EventType identifies a streaming event.
type EventType int

const (
	// EventText carries an incremental text fragment.
	EventText EventType = iota
	// EventDone signals successful completion. No further events follow.
	EventDone
	// EventError signals terminal failure. No further events follow.
	EventError
)

// Event is one element of a streaming response.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Engine produces a complete, materialized reply.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request) (string, error)
}

// StreamingEngine additionally produces replies as incremental fragments.
// The returned channel is closed after EventDone or EventError. Engines that
// only implement Engine are driven through the buffered delivery path.
type StreamingEngine interface {
	Engine
	RunStream(ctx context.Context, req Request) (<-chan Event, error)
}
