// ABOUTME: Scripted mock engine for tests and credential-free local runs
// ABOUTME: Echoes canned replies and streams them in fixed-size fragments

package engine

import (
	"context"
	"fmt"
	"strings"
)

// MockEngine is a deterministic engine for tests and local development.
// With no script configured it echoes the prompt back.
type MockEngine struct {
	// Reply, if set, overrides the computed reply for every request.
	Reply string
	// Err, if set, is returned by every call.
	Err error
	// FragmentSize controls streaming chunk length; 0 means 16.
	FragmentSize int

	calls []Request
}

// NewMockEngine creates a mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Name returns the engine identifier.
func (e *MockEngine) Name() string {
	return "mock"
}

// Calls returns the requests seen so far, for test assertions.
func (e *MockEngine) Calls() []Request {
	return e.calls
}

func (e *MockEngine) reply(req Request) string {
	if e.Reply != "" {
		return e.Reply
	}
	return fmt.Sprintf("echo: %s", req.Prompt)
}

// Run returns the scripted reply.
func (e *MockEngine) Run(ctx context.Context, req Request) (string, error) {
	e.calls = append(e.calls, req)
	if e.Err != nil {
		return "", e.Err
	}
	return e.reply(req), nil
}

// RunStream returns the scripted reply as fixed-size fragments.
func (e *MockEngine) RunStream(ctx context.Context, req Request) (<-chan Event, error) {
	e.calls = append(e.calls, req)
	if e.Err != nil {
		return nil, e.Err
	}

	size := e.FragmentSize
	if size <= 0 {
		size = 16
	}
	reply := e.reply(req)

	events := make(chan Event)
	go func() {
		defer close(events)
		for len(reply) > 0 {
			n := size
			if n > len(reply) {
				n = len(reply)
			}
			select {
			case events <- Event{Type: EventText, Text: reply[:n]}:
			case <-ctx.Done():
				return
			}
			reply = reply[n:]
		}
		select {
		case events <- Event{Type: EventDone}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// Collect drains a streaming channel into the concatenated text, returning
// the first terminal error encountered. Intended for tests.
func Collect(events <-chan Event) (string, error) {
	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventText:
			b.WriteString(ev.Text)
		case EventError:
			return b.String(), ev.Err
		}
	}
	return b.String(), nil
}

// Verify interfaces at compile time.
var (
	_ Engine          = (*MockEngine)(nil)
	_ StreamingEngine = (*MockEngine)(nil)
)
