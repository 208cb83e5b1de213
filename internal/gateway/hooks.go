// ABOUTME: Webhook HTTP handlers for platform adapters
// ABOUTME: Maps manager errors to HTTP statuses and echoes Slack URL verification

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/loomworks/loom-gateway/internal/adapter"
	"github.com/loomworks/loom-gateway/internal/manager"
)

// maxHookBodySize caps webhook payloads at 1 MiB.
const maxHookBodySize = 1 << 20

// handleHook handles POST /hooks/{adapter}: one inbound platform event.
// Response handling runs after the webhook is acknowledged when the platform
// requires fast acks; here processing is synchronous because every supported
// platform tolerates the engine latency within its webhook timeout.
func (g *Gateway) handleHook(w http.ResponseWriter, r *http.Request) {
	adapterName := r.PathValue("adapter")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	req := &adapter.Request{Headers: r.Header, Body: body}

	if err := g.manager.HandleEvent(r.Context(), adapterName, req); err != nil {
		g.writeHookError(w, adapterName, err)
		return
	}

	// A verified non-message Slack payload may be the URL verification
	// handshake, which expects its challenge echoed back.
	if challenge := urlVerificationChallenge(body); challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// handleInteractionHook handles POST /hooks/{adapter}/interactive: button
// presses and other interactive callbacks.
func (g *Gateway) handleInteractionHook(w http.ResponseWriter, r *http.Request) {
	adapterName := r.PathValue("adapter")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	req := &adapter.Request{Headers: r.Header, Body: body}

	if err := g.manager.HandleInteraction(r.Context(), adapterName, req); err != nil {
		g.writeHookError(w, adapterName, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (g *Gateway) writeHookError(w http.ResponseWriter, adapterName string, err error) {
	var parseErr *adapter.ParseError
	switch {
	case errors.Is(err, manager.ErrUnknownAdapter):
		http.Error(w, "unknown adapter", http.StatusNotFound)
	case errors.Is(err, manager.ErrAuthentication):
		http.Error(w, "verification failed", http.StatusUnauthorized)
	case errors.As(err, &parseErr):
		g.logger.Warn("webhook payload rejected", "adapter", adapterName, "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
	case errors.Is(err, adapter.ErrCapabilityMismatch):
		http.Error(w, "adapter does not support interactions", http.StatusNotFound)
	default:
		g.logger.Error("webhook processing failed", "adapter", adapterName, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// urlVerificationChallenge extracts the challenge from a Slack
// url_verification payload, or returns "" for anything else.
func urlVerificationChallenge(body []byte) string {
	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Type != "url_verification" {
		return ""
	}
	return payload.Challenge
}
