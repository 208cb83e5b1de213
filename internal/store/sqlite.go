// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/mapping/task persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			adapter_name TEXT NOT NULL DEFAULT '',
			adapter_message_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_adapter_message
			ON messages(adapter_name, adapter_message_id)
			WHERE adapter_message_id != '';

		CREATE TABLE IF NOT EXISTS mappings (
			id TEXT PRIMARY KEY,
			adapter_name TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_adapter_thread
			ON mappings(adapter_name, thread_id);

		CREATE INDEX IF NOT EXISTS idx_mappings_conversation
			ON mappings(conversation_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			adapter_name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			type TEXT NOT NULL,
			schedule TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (type IN ('delegation', 'scheduled')),
			CHECK (status IN ('pending', 'running', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateConversation inserts a new conversation
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, created_at, updated_at FROM conversations WHERE id = ?`

	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&conv.ID, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		conversations = append(conversations, &conv)
	}

	return conversations, rows.Err()
}

// SaveMessage inserts a message and bumps the conversation's updated_at.
// A repeated (adapter_name, adapter_message_id) pair returns
// ErrDuplicateMessage, making webhook retries idempotent at the storage layer.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, role, content, adapter_name, adapter_message_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.AdapterName,
		msg.AdapterMessageID,
		msg.UserID,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	touch := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, touch, msg.CreatedAt.UTC().Format(time.RFC3339), msg.ConversationID); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	return nil
}

// GetConversationMessages retrieves messages for a conversation in
// chronological order. If limit is 0 or negative, a default of 200 is used.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, conversation_id, role, content, adapter_name, adapter_message_id, user_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&msg.AdapterName,
			&msg.AdapterMessageID,
			&msg.UserID,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// CreateMapping creates a new thread mapping.
// If a mapping for the same (adapter_name, thread_id) already exists,
// it returns ErrDuplicateMapping. Losing this race is normal; callers
// re-read the winning mapping.
func (s *SQLiteStore) CreateMapping(ctx context.Context, m *Mapping) error {
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling mapping metadata: %w", err)
	}

	query := `
		INSERT INTO mappings (id, adapter_name, thread_id, conversation_id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.AdapterName,
		m.ThreadID,
		m.ConversationID,
		string(metaJSON),
		m.CreatedAt.UTC().Format(time.RFC3339),
		m.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMapping
		}
		return fmt.Errorf("inserting mapping: %w", err)
	}

	s.logger.Debug("created mapping", "id", m.ID, "adapter", m.AdapterName, "thread", m.ThreadID)
	return nil
}

func (s *SQLiteStore) scanMapping(row *sql.Row) (*Mapping, error) {
	var m Mapping
	var metaJSON, createdAtStr, updatedAtStr string

	err := row.Scan(&m.ID, &m.AdapterName, &m.ThreadID, &m.ConversationID, &metaJSON, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling mapping metadata: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &m, nil
}

// GetMapping retrieves a mapping by adapter name and platform thread ID.
// This uses the idx_mappings_adapter_thread index.
// Returns ErrNotFound if no mapping exists for the pair.
func (s *SQLiteStore) GetMapping(ctx context.Context, adapterName, threadID string) (*Mapping, error) {
	query := `
		SELECT id, adapter_name, thread_id, conversation_id, metadata_json, created_at, updated_at
		FROM mappings
		WHERE adapter_name = ? AND thread_id = ?
	`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, adapterName, threadID))
}

// GetMappingByConversation retrieves the mapping that links a conversation to
// the given adapter. Used by the outbound path to recover the platform
// envelope. Returns ErrNotFound if the conversation has no mapping on that
// adapter.
func (s *SQLiteStore) GetMappingByConversation(ctx context.Context, conversationID, adapterName string) (*Mapping, error) {
	query := `
		SELECT id, adapter_name, thread_id, conversation_id, metadata_json, created_at, updated_at
		FROM mappings
		WHERE conversation_id = ? AND adapter_name = ?
		ORDER BY created_at ASC
		LIMIT 1
	`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, conversationID, adapterName))
}

// ListMappings retrieves mappings ordered by creation time.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListMappings(ctx context.Context, limit int) ([]*Mapping, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, adapter_name, thread_id, conversation_id, metadata_json, created_at, updated_at
		FROM mappings
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		var m Mapping
		var metaJSON, createdAtStr, updatedAtStr string
		if err := rows.Scan(&m.ID, &m.AdapterName, &m.ThreadID, &m.ConversationID, &metaJSON, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling mapping metadata: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		mappings = append(mappings, &m)
	}

	return mappings, rows.Err()
}

// CreateTask inserts a new task
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, conversation_id, adapter_name, prompt, type, schedule, status, last_error, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.ConversationID,
		task.AdapterName,
		task.Prompt,
		task.Type,
		task.Schedule,
		task.Status,
		task.LastError,
		formatNullableTime(task.LastRunAt),
		formatNullableTime(task.NextRunAt),
		task.CreatedAt.UTC().Format(time.RFC3339),
		task.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "type", task.Type)
	return nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var lastRun, nextRun sql.NullString
	var createdAtStr, updatedAtStr string

	err := scan(
		&task.ID,
		&task.ConversationID,
		&task.AdapterName,
		&task.Prompt,
		&task.Type,
		&task.Schedule,
		&task.Status,
		&task.LastError,
		&lastRun,
		&nextRun,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if task.LastRunAt, err = parseNullableTime(lastRun); err != nil {
		return nil, fmt.Errorf("parsing last_run_at: %w", err)
	}
	if task.NextRunAt, err = parseNullableTime(nextRun); err != nil {
		return nil, fmt.Errorf("parsing next_run_at: %w", err)
	}
	if task.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &task, nil
}

const taskColumns = `id, conversation_id, adapter_name, prompt, type, schedule, status, last_error, last_run_at, next_run_at, created_at, updated_at`

// GetTask retrieves a task by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks retrieves tasks, optionally filtered by status.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListTasks(ctx context.Context, status string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// UpdateTask updates an existing task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET status = ?, last_error = ?, schedule = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		task.LastError,
		task.Schedule,
		formatNullableTime(task.LastRunAt),
		formatNullableTime(task.NextRunAt),
		task.UpdatedAt.UTC().Format(time.RFC3339),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteTask removes a task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
