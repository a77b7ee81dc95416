package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arcfield/parley/internal/domain"
)

// KnowledgeChunk is a piece of agent knowledge indexed for retrieval.
type KnowledgeChunk struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Source    string    `json:"source,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Rank      float64   `json:"rank,omitempty"` // FTS5 rank score (search results only)
}

// KnowledgeStore manages knowledge chunks with full-text search via SQLite FTS5.
// It implements orchestrator.Retriever.
type KnowledgeStore struct {
	db *DB
}

// NewKnowledgeStore creates a knowledge store using the given database.
func NewKnowledgeStore(db *DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

// Store inserts or updates a knowledge chunk.
func (k *KnowledgeStore) Store(ctx context.Context, chunk KnowledgeChunk) (*KnowledgeChunk, error) {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}

	now := time.Now()
	chunk.CreatedAt = now
	chunk.UpdatedAt = now

	_, err := k.db.sql.ExecContext(ctx,
		`INSERT INTO knowledge_chunks (id, agent_id, source, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content,
		   source = excluded.source,
		   updated_at = excluded.updated_at`,
		chunk.ID, chunk.AgentID, chunk.Source, chunk.Content,
		now.Format(time.DateTime), now.Format(time.DateTime),
	)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// Retrieve finds knowledge chunks relevant to the query and returns them
// as references, best match first. Limit of 0 defaults to 5.
func (k *KnowledgeStore) Retrieve(ctx context.Context, agentID, query string, limit int) ([]domain.Reference, error) {
	if limit <= 0 {
		limit = 5
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := k.db.sql.QueryContext(ctx,
		`SELECT kc.source, kc.content, rank
		 FROM knowledge_fts
		 JOIN knowledge_chunks kc ON kc.rowid = knowledge_fts.rowid
		 WHERE knowledge_fts MATCH ?
		   AND kc.agent_id = ?
		 ORDER BY rank
		 LIMIT ?`,
		match, agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.Reference
	for rows.Next() {
		var ref domain.Reference
		if err := rows.Scan(&ref.Source, &ref.Content, &ref.Score); err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Delete removes a knowledge chunk by ID.
func (k *KnowledgeStore) Delete(ctx context.Context, id string) error {
	_, err := k.db.sql.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE id = ?`, id)
	return err
}

// DeleteByAgent removes all knowledge chunks for an agent.
func (k *KnowledgeStore) DeleteByAgent(ctx context.Context, agentID string) error {
	_, err := k.db.sql.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE agent_id = ?`, agentID)
	return err
}

// ListByAgent returns all chunks for an agent, newest first.
func (k *KnowledgeStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]KnowledgeChunk, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := k.db.sql.QueryContext(ctx,
		`SELECT id, agent_id, source, content, created_at, updated_at
		 FROM knowledge_chunks WHERE agent_id = ?
		 ORDER BY updated_at DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var createdAt, updatedAt string
		var source sql.NullString

		if err := rows.Scan(&chunk.ID, &chunk.AgentID, &source, &chunk.Content, &createdAt, &updatedAt); err != nil {
			continue
		}
		chunk.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		chunk.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
		if source.Valid {
			chunk.Source = source.String
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ftsQuery turns free user text into a safe FTS5 MATCH expression: each
// token is quoted so punctuation in user input cannot break the query.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
