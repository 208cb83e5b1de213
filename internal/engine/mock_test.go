// ABOUTME: Tests for the mock engine and stream collection helper
// ABOUTME: Validates scripted replies, fragment ordering, and error propagation

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEngine_Run(t *testing.T) {
	e := NewMockEngine()

	got, err := e.Run(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", got)
	assert.Len(t, e.Calls(), 1)
}

func TestMockEngine_RunScripted(t *testing.T) {
	e := NewMockEngine()
	e.Reply = "scripted reply"

	got, err := e.Run(context.Background(), Request{Prompt: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "scripted reply", got)
}

func TestMockEngine_RunStream_FragmentsConcatenateInOrder(t *testing.T) {
	e := NewMockEngine()
	e.Reply = "a reasonably long reply that spans several fragments"
	e.FragmentSize = 7

	events, err := e.RunStream(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)

	got, err := Collect(events)
	require.NoError(t, err)
	assert.Equal(t, e.Reply, got)
}

func TestMockEngine_RunStream_ProducerStopsWhenAbandoned(t *testing.T) {
	e := NewMockEngine()
	e.Reply = "a reply long enough to need several sends"
	e.FragmentSize = 4

	ctx, cancel := context.WithCancel(context.Background())
	events, err := e.RunStream(ctx, Request{Prompt: "go"})
	require.NoError(t, err)

	// Stop reading mid-stream; the producer must exit and close the
	// channel instead of blocking on an unread send.
	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "event channel must close after cancellation")
}

func TestMockEngine_Error(t *testing.T) {
	e := NewMockEngine()
	e.Err = errors.New("engine offline")

	_, err := e.Run(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)

	_, err = e.RunStream(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}
