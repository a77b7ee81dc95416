package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/orchestrator"
)

// ErrNotFound is returned when a conversation does not exist. It aliases
// the orchestrator sentinel so callers can match either.
var ErrNotFound = orchestrator.ErrConversationNotFound

// SQLiteConversationStore implements orchestrator.ConversationStore backed
// by SQLite.
type SQLiteConversationStore struct {
	db *DB
}

// NewSQLiteConversationStore creates a conversation store using the given database.
func NewSQLiteConversationStore(db *DB) *SQLiteConversationStore {
	return &SQLiteConversationStore{db: db}
}

// Create inserts a new conversation.
func (s *SQLiteConversationStore) Create(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	var metadata sql.NullString
	if len(conv.Metadata) > 0 {
		data, err := json.Marshal(conv.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, principal, title, message_count, total_tokens, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, conv.Principal, conv.Title,
		conv.MessageCount, conv.TotalTokens, metadata,
		conv.CreatedAt.Format(time.DateTime), conv.UpdatedAt.Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by ID.
func (s *SQLiteConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var metadata sql.NullString
	var createdAt, updatedAt string

	err := s.db.sql.QueryRowContext(ctx,
		`SELECT id, agent_id, principal, title, message_count, total_tokens, metadata, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(
		&conv.ID, &conv.AgentID, &conv.Principal, &conv.Title,
		&conv.MessageCount, &conv.TotalTokens, &metadata,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	conv.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	conv.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &conv.Metadata)
	}
	return &conv, nil
}

// AppendMessage adds a message to a conversation and bumps its timestamp.
func (s *SQLiteConversationStore) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	var toolCallsJSON, reasoning sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(data), Valid: true}
	}
	if msg.Reasoning != "" {
		reasoning = sql.NullString{String: msg.Reasoning, Valid: true}
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, reasoning, tool_calls, tool_call_id, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, msg.Role, msg.Content, reasoning, toolCallsJSON,
		msg.ToolCallID, boolToInt(msg.Error), ts.Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	_, _ = s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().Format(time.DateTime), conversationID,
	)
	return nil
}

// UpdateStats adds deltas to a conversation's message and token counters.
func (s *SQLiteConversationStore) UpdateStats(ctx context.Context, id string, messageDelta, tokenDelta int) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = message_count + ?,
		     total_tokens = total_tokens + ?,
		     updated_at = ?
		 WHERE id = ?`,
		messageDelta, tokenDelta, time.Now().Format(time.DateTime), id,
	)
	if err != nil {
		return fmt.Errorf("updating stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMetadata stores one metadata key for a conversation, preserving the rest.
func (s *SQLiteConversationStore) SetMetadata(ctx context.Context, id, key, value string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]string)
	}
	conv.Metadata[key] = value

	data, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().Format(time.DateTime), id,
	)
	if err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}
	return nil
}

// History returns the most recent messages of a conversation in
// chronological order. Limit of 0 returns everything.
func (s *SQLiteConversationStore) History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT role, content, reasoning, tool_calls, tool_call_id, error, timestamp
	          FROM messages WHERE conversation_id = ? ORDER BY id`
	args := []any{conversationID}
	if limit > 0 {
		// Newest N, then flipped back to chronological order below.
		query = `SELECT role, content, reasoning, tool_calls, tool_call_id, error, timestamp
		         FROM (SELECT id, role, content, reasoning, tool_calls, tool_call_id, error, timestamp
		               FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?)
		         ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var reasoning, toolCallsJSON sql.NullString
		var errFlag int
		var ts string

		if err := rows.Scan(&msg.Role, &msg.Content, &reasoning, &toolCallsJSON, &msg.ToolCallID, &errFlag, &ts); err != nil {
			continue
		}
		msg.Timestamp, _ = time.Parse(time.DateTime, ts)
		msg.Error = errFlag != 0
		if reasoning.Valid {
			msg.Reasoning = reasoning.String
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// List returns conversation IDs for a principal, newest first. An empty
// principal lists everything.
func (s *SQLiteConversationStore) List(ctx context.Context, principal string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if principal != "" {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT id FROM conversations WHERE principal = ? ORDER BY updated_at DESC`, principal)
	} else {
		rows, err = s.db.sql.QueryContext(ctx,
			`SELECT id FROM conversations ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
