package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/arcfield/parley/internal/domain"
)

// ErrConversationNotFound is returned when a referenced conversation does
// not exist in the store.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore persists conversations and their messages.
// store.SQLiteConversationStore is the production implementation.
type ConversationStore interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error
	UpdateStats(ctx context.Context, id string, messageDelta, tokenDelta int) error
	SetMetadata(ctx context.Context, id, key, value string) error
	History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Retriever looks up knowledge references relevant to a query.
// store.KnowledgeStore is the production implementation.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string, limit int) ([]domain.Reference, error)
}

// MemoryConversationStore is an in-process ConversationStore for tests and
// ephemeral runs.
type MemoryConversationStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.Message
}

// NewMemoryConversationStore creates an empty in-memory store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *MemoryConversationStore) Create(ctx context.Context, conv *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

func (m *MemoryConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *conv
	if conv.Metadata != nil {
		cp.Metadata = make(map[string]string, len(conv.Metadata))
		for k, v := range conv.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp, nil
}

func (m *MemoryConversationStore) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return nil
}

func (m *MemoryConversationStore) UpdateStats(ctx context.Context, id string, messageDelta, tokenDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.MessageCount += messageDelta
	conv.TotalTokens += tokenDelta
	return nil
}

func (m *MemoryConversationStore) SetMetadata(ctx context.Context, id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]string)
	}
	conv.Metadata[key] = value
	return nil
}

func (m *MemoryConversationStore) History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
