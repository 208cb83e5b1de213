// ABOUTME: Anthropic-backed engine implementation over the official SDK
// ABOUTME: Supports both materialized calls and fragment streaming

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// AnthropicEngine generates replies through the Anthropic Messages API.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicEngine creates an engine for the given API key and model.
// maxTokens of 0 falls back to a sensible default.
func NewAnthropicEngine(apiKey, model string, maxTokens int) *AnthropicEngine {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicEngine{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    slog.Default().With("component", "engine"),
	}
}

// Name returns the engine identifier.
func (e *AnthropicEngine) Name() string {
	return "anthropic"
}

// buildParams converts a Request into Anthropic message parameters.
func (e *AnthropicEngine) buildParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		Messages:  messages,
		MaxTokens: e.maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

// Run makes a blocking call and returns the full reply text.
func (e *AnthropicEngine) Run(ctx context.Context, req Request) (string, error) {
	resp, err := e.client.Messages.New(ctx, e.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("anthropic call: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// RunStream starts a streaming call and forwards text deltas as EventText
// events in production order, followed by EventDone or EventError.
func (e *AnthropicEngine) RunStream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := e.client.Messages.NewStreaming(ctx, e.buildParams(req))

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		// The consumer may stop reading mid-stream; every send must also
		// watch ctx so this goroutine cannot block forever.
		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		produced := false
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					produced = true
					if !emit(Event{Type: EventText, Text: text.Text}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			e.logger.Error("stream failed", "error", err)
			emit(Event{Type: EventError, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		if !produced {
			emit(Event{Type: EventError, Err: ErrEmptyResponse})
			return
		}
		emit(Event{Type: EventDone})
	}()

	return events, nil
}

// Verify interfaces at compile time.
var (
	_ Engine          = (*AnthropicEngine)(nil)
	_ StreamingEngine = (*AnthropicEngine)(nil)
)
