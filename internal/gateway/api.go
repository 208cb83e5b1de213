// ABOUTME: Management API handlers: send, conversations, adapters, tasks
// ABOUTME: Conversation events stream to clients as SSE

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom-gateway/internal/manager"
	"github.com/loomworks/loom-gateway/internal/store"
	"github.com/loomworks/loom-gateway/internal/tasks"
)

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Adapter        string `json:"adapter"`
	Content        string `json:"content"`
}

// AdapterInfo is one entry in the GET /api/adapters response.
type AdapterInfo struct {
	Name                string `json:"name"`
	Streaming           bool   `json:"streaming"`
	Threading           bool   `json:"threading"`
	RichFormatting      bool   `json:"rich_formatting"`
	InteractiveElements bool   `json:"interactive_elements"`
	Reactions           bool   `json:"reactions"`
	MessageEditing      bool   `json:"message_editing"`
	Attachments         bool   `json:"attachments"`
	PreferredStyle      string `json:"preferred_style"`
	MaxMessageLength    int    `json:"max_message_length"`
}

// ConversationResponse is one entry in the GET /api/conversations response.
type ConversationResponse struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is one entry in a conversation message listing.
type MessageResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	AdapterName string `json:"adapter_name"`
	UserID      string `json:"user_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	ConversationID string `json:"conversation_id"`
	Adapter        string `json:"adapter"`
	Prompt         string `json:"prompt"`
	Type           string `json:"type"`
	Schedule       string `json:"schedule,omitempty"`
}

// TaskResponse is the JSON shape of a task.
type TaskResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Adapter        string `json:"adapter"`
	Prompt         string `json:"prompt"`
	Type           string `json:"type"`
	Schedule       string `json:"schedule,omitempty"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	LastRunAt      string `json:"last_run_at,omitempty"`
	NextRunAt      string `json:"next_run_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleSend handles POST /api/send: inject content into a conversation and
// deliver it through the conversation's channel.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Adapter == "" || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id, adapter, and content are required")
		return
	}

	err := g.manager.SendToAdapter(r.Context(), req.ConversationID, req.Adapter, req.Content)
	switch {
	case err == nil:
		g.writeJSON(w, map[string]string{"status": "sent"})
	case errors.Is(err, manager.ErrUnknownAdapter):
		g.sendJSONError(w, http.StatusNotFound, "unknown adapter")
	case errors.Is(err, manager.ErrNoMapping):
		g.sendJSONError(w, http.StatusBadRequest, "conversation is not linked to that adapter")
	default:
		g.logger.Error("outbound send failed", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "delivery failed")
	}
}

// handleListAdapters handles GET /api/adapters.
func (g *Gateway) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	adapters := g.manager.Adapters()
	response := make([]AdapterInfo, 0, len(adapters))
	for _, a := range adapters {
		caps := a.Capabilities()
		response = append(response, AdapterInfo{
			Name:                a.Name(),
			Streaming:           caps.Streaming,
			Threading:           caps.Threading,
			RichFormatting:      caps.RichFormatting,
			InteractiveElements: caps.InteractiveElements,
			Reactions:           caps.Reactions,
			MessageEditing:      caps.MessageEditing,
			Attachments:         caps.Attachments,
			PreferredStyle:      string(caps.PreferredStyle),
			MaxMessageLength:    caps.MaxMessageLength,
		})
	}
	g.writeJSON(w, response)
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conv.ListConversations(r.Context(), 100)
	if err != nil {
		g.logger.Error("listing conversations failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		response = append(response, ConversationResponse{
			ID:        c.ID,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
			UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
		})
	}
	g.writeJSON(w, response)
}

// handleConversationMessages handles GET /api/conversations/{id}/messages.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	if _, err := g.conv.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	messages, err := g.conv.History(r.Context(), conversationID, 0)
	if err != nil {
		g.logger.Error("loading messages failed", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		response = append(response, MessageResponse{
			ID:          m.ID,
			Role:        m.Role,
			Content:     m.Content,
			AdapterName: m.AdapterName,
			UserID:      m.UserID,
			CreatedAt:   m.CreatedAt.Format(time.RFC3339),
		})
	}
	g.writeJSON(w, response)
}

// handleConversationEvents handles GET /api/conversations/{id}/events,
// streaming newly appended messages as Server-Sent Events until the client
// disconnects.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	if _, err := g.conv.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := g.broadcaster.Subscribe(r.Context(), conversationID)
	for msg := range ch {
		data, err := json.Marshal(MessageResponse{
			ID:          msg.ID,
			Role:        msg.Role,
			Content:     msg.Content,
			AdapterName: msg.AdapterName,
			UserID:      msg.UserID,
			CreatedAt:   msg.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleCreateTask handles POST /api/tasks.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Adapter == "" || req.Prompt == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id, adapter, and prompt are required")
		return
	}

	switch req.Type {
	case store.TaskTypeDelegation:
		if req.Schedule != "" {
			g.sendJSONError(w, http.StatusBadRequest, "delegation tasks must not set schedule")
			return
		}
	case store.TaskTypeScheduled:
		if err := tasks.ValidateSchedule(req.Schedule); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid schedule: %v", err))
			return
		}
	default:
		g.sendJSONError(w, http.StatusBadRequest, `type must be "delegation" or "scheduled"`)
		return
	}

	// The task's conversation must already exist and be linked to the
	// target adapter, otherwise every run would fail.
	if _, err := g.conv.MappingForConversation(r.Context(), req.ConversationID, req.Adapter); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusBadRequest, "conversation is not linked to that adapter")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := time.Now()
	task := &store.Task{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		AdapterName:    req.Adapter,
		Prompt:         req.Prompt,
		Type:           req.Type,
		Schedule:       req.Schedule,
		Status:         store.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.store.CreateTask(r.Context(), task); err != nil {
		g.logger.Error("creating task failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(taskResponse(task))
}

// handleListTasks handles GET /api/tasks with an optional ?status= filter.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	list, err := g.store.ListTasks(r.Context(), status, 100)
	if err != nil {
		g.logger.Error("listing tasks failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TaskResponse, 0, len(list))
	for _, t := range list {
		response = append(response, taskResponse(t))
	}
	g.writeJSON(w, response)
}

// handleGetTask handles GET /api/tasks/{id}.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, taskResponse(task))
}

// handleDeleteTask handles DELETE /api/tasks/{id}.
func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func taskResponse(t *store.Task) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Adapter:        t.AdapterName,
		Prompt:         t.Prompt,
		Type:           t.Type,
		Schedule:       t.Schedule,
		Status:         t.Status,
		LastError:      t.LastError,
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
	}
	if t.LastRunAt != nil {
		resp.LastRunAt = t.LastRunAt.Format(time.RFC3339)
	}
	if t.NextRunAt != nil {
		resp.NextRunAt = t.NextRunAt.Format(time.RFC3339)
	}
	return resp
}
