package store

import (
	"context"
	"testing"
	"time"

	"github.com/arcfield/parley/internal/billing"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	err := db.migrate()
	require.NoError(t, err)

	var count int
	err = db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"conversations", "messages", "knowledge_chunks", "knowledge_fts", "balances"}
	for _, table := range tables {
		var name string
		err := db.sql.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

// --- ConversationStore tests ---

func TestConversationStore_CreateAndGet(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	conv := &domain.Conversation{
		ID:        "conv-1",
		AgentID:   "helper",
		Principal: "alice",
		Title:     "Greetings",
	}
	require.NoError(t, s.Create(ctx, conv))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "helper", got.AgentID)
	assert.Equal(t, "alice", got.Principal)
	assert.Equal(t, "Greetings", got.Title)
	assert.Equal(t, 0, got.MessageCount)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestConversationStore_GetMissing(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	// Callers branch on the orchestrator sentinel regardless of driver.
	assert.ErrorIs(t, err, orchestrator.ErrConversationNotFound)
}

func TestConversationStore_AppendAndHistory(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "conv-1", AgentID: "a"}))

	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
		Role: domain.RoleUser, Content: "hello",
	}))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
		Role: domain.RoleAssistant, Content: "hi there", Reasoning: "greeting back",
		ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "echo", Input: []byte(`{"a":1}`), Status: domain.CallSuccess}},
	}))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
		Role: domain.RoleTool, Content: "echoed", ToolCallID: "call_1",
	}))

	msgs, err := s.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "greeting back", msgs[1].Reasoning)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "echo", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
}

func TestConversationStore_HistoryLimitKeepsNewest(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "conv-1", AgentID: "a"}))
	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
			Role: domain.RoleUser, Content: content,
		}))
	}

	msgs, err := s.History(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "four", msgs[1].Content)
}

func TestConversationStore_ErrorFlagRoundTrip(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "conv-1", AgentID: "a"}))
	require.NoError(t, s.AppendMessage(ctx, "conv-1", domain.Message{
		Role: domain.RoleAssistant, Content: "upstream failed", Error: true,
	}))

	msgs, err := s.History(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Error)
}

func TestConversationStore_UpdateStats(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "conv-1", AgentID: "a"}))
	require.NoError(t, s.UpdateStats(ctx, "conv-1", 2, 37))
	require.NoError(t, s.UpdateStats(ctx, "conv-1", 2, 13))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, 50, got.TotalTokens)

	assert.ErrorIs(t, s.UpdateStats(ctx, "missing", 2, 1), ErrNotFound)
}

func TestConversationStore_SetMetadata(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{
		ID: "conv-1", AgentID: "a",
		Metadata: map[string]string{"origin": "api"},
	}))
	require.NoError(t, s.SetMetadata(ctx, "conv-1", domain.HandleKey("dify"), "remote-77"))

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "remote-77", got.Metadata["dify_conversation_id"])
	assert.Equal(t, "api", got.Metadata["origin"])
}

func TestConversationStore_List(t *testing.T) {
	s := NewSQLiteConversationStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "c1", AgentID: "a", Principal: "alice"}))
	require.NoError(t, s.Create(ctx, &domain.Conversation{ID: "c2", AgentID: "a", Principal: "bob"}))

	ids, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ids, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

// --- KnowledgeStore tests ---

func TestKnowledgeStore_StoreAndRetrieve(t *testing.T) {
	k := NewKnowledgeStore(testDB(t))
	ctx := context.Background()

	_, err := k.Store(ctx, KnowledgeChunk{AgentID: "helper", Source: "faq.md", Content: "Refunds are processed within five business days"})
	require.NoError(t, err)
	_, err = k.Store(ctx, KnowledgeChunk{AgentID: "helper", Source: "faq.md", Content: "Shipping takes two weeks for international orders"})
	require.NoError(t, err)
	_, err = k.Store(ctx, KnowledgeChunk{AgentID: "other", Source: "x", Content: "Refunds for the other agent"})
	require.NoError(t, err)

	refs, err := k.Retrieve(ctx, "helper", "how do refunds work?", 5)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "faq.md", refs[0].Source)
	assert.Contains(t, refs[0].Content, "Refunds")
}

func TestKnowledgeStore_RetrievePunctuationSafe(t *testing.T) {
	k := NewKnowledgeStore(testDB(t))
	ctx := context.Background()

	_, err := k.Store(ctx, KnowledgeChunk{AgentID: "a", Content: "quoted content here"})
	require.NoError(t, err)

	// FTS5 operators and quotes in user text must not break the query.
	_, err = k.Retrieve(ctx, "a", `"quoted" AND (content*`, 5)
	require.NoError(t, err)

	refs, err := k.Retrieve(ctx, "a", "   ", 5)
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestKnowledgeStore_Update(t *testing.T) {
	k := NewKnowledgeStore(testDB(t))
	ctx := context.Background()

	chunk, err := k.Store(ctx, KnowledgeChunk{AgentID: "a", Content: "original wording"})
	require.NoError(t, err)

	chunk.Content = "replacement wording"
	_, err = k.Store(ctx, *chunk)
	require.NoError(t, err)

	refs, err := k.Retrieve(ctx, "a", "replacement", 5)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	refs, err = k.Retrieve(ctx, "a", "original", 5)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestKnowledgeStore_DeleteByAgent(t *testing.T) {
	k := NewKnowledgeStore(testDB(t))
	ctx := context.Background()

	_, err := k.Store(ctx, KnowledgeChunk{AgentID: "a", Content: "something searchable"})
	require.NoError(t, err)
	require.NoError(t, k.DeleteByAgent(ctx, "a"))

	refs, err := k.Retrieve(ctx, "a", "searchable", 5)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestKnowledgeStore_ListByAgent(t *testing.T) {
	k := NewKnowledgeStore(testDB(t))
	ctx := context.Background()

	_, err := k.Store(ctx, KnowledgeChunk{AgentID: "a", Content: "first"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = k.Store(ctx, KnowledgeChunk{AgentID: "a", Content: "second"})
	require.NoError(t, err)

	chunks, err := k.ListByAgent(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

// --- Ledger tests ---

func TestLedger_BalanceDefaultsToZero(t *testing.T) {
	l := NewSQLiteLedger(testDB(t))

	balance, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestLedger_GrantAndDeduct(t *testing.T) {
	l := NewSQLiteLedger(testDB(t))
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "alice", 100))
	require.NoError(t, l.Grant(ctx, "alice", 50))

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	require.NoError(t, l.Deduct(ctx, "alice", 60, "turn-1"))
	balance, _ = l.Balance(ctx, "alice")
	assert.Equal(t, int64(90), balance)
}

func TestLedger_DeductInsufficient(t *testing.T) {
	l := NewSQLiteLedger(testDB(t))
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "alice", 10))

	err := l.Deduct(ctx, "alice", 20, "turn-1")
	require.Error(t, err)
	assert.True(t, billing.IsInsufficient(err))

	var ie *billing.InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(20), ie.Required)
	assert.Equal(t, int64(10), ie.Available)

	// Balance untouched after a refused deduction.
	balance, _ := l.Balance(ctx, "alice")
	assert.Equal(t, int64(10), balance)
}

func TestLedger_DeductUnknownPrincipal(t *testing.T) {
	l := NewSQLiteLedger(testDB(t))

	err := l.Deduct(context.Background(), "ghost", 1, "turn-1")
	assert.True(t, billing.IsInsufficient(err))
}
