package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create conversations and messages",
		SQL: `
			CREATE TABLE conversations (
				id             TEXT PRIMARY KEY,
				agent_id       TEXT NOT NULL,
				principal      TEXT NOT NULL DEFAULT '',
				title          TEXT NOT NULL DEFAULT '',
				message_count  INTEGER NOT NULL DEFAULT 0,
				total_tokens   INTEGER NOT NULL DEFAULT 0,
				metadata       TEXT,
				created_at     TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_conversations_agent ON conversations (agent_id);
			CREATE INDEX idx_conversations_principal ON conversations (principal, updated_at);

			CREATE TABLE messages (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				role             TEXT NOT NULL,
				content          TEXT NOT NULL,
				reasoning        TEXT,
				tool_calls       TEXT,
				tool_call_id     TEXT NOT NULL DEFAULT '',
				error            INTEGER NOT NULL DEFAULT 0,
				timestamp        TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create knowledge chunks with FTS5",
		SQL: `
			CREATE TABLE knowledge_chunks (
				id          TEXT PRIMARY KEY,
				agent_id    TEXT NOT NULL,
				source      TEXT NOT NULL DEFAULT '',
				content     TEXT NOT NULL,
				created_at  TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_knowledge_agent ON knowledge_chunks (agent_id);

			CREATE VIRTUAL TABLE knowledge_fts USING fts5(
				content,
				source,
				content='knowledge_chunks',
				content_rowid='rowid'
			);

			CREATE TRIGGER knowledge_ai AFTER INSERT ON knowledge_chunks BEGIN
				INSERT INTO knowledge_fts(rowid, content, source)
				VALUES (new.rowid, new.content, new.source);
			END;

			CREATE TRIGGER knowledge_ad AFTER DELETE ON knowledge_chunks BEGIN
				INSERT INTO knowledge_fts(knowledge_fts, rowid, content, source)
				VALUES ('delete', old.rowid, old.content, old.source);
			END;

			CREATE TRIGGER knowledge_au AFTER UPDATE ON knowledge_chunks BEGIN
				INSERT INTO knowledge_fts(knowledge_fts, rowid, content, source)
				VALUES ('delete', old.rowid, old.content, old.source);
				INSERT INTO knowledge_fts(rowid, content, source)
				VALUES (new.rowid, new.content, new.source);
			END;
		`,
	},
	{
		Version: 3,
		Name:    "create balances",
		SQL: `
			CREATE TABLE balances (
				principal   TEXT PRIMARY KEY,
				power       INTEGER NOT NULL DEFAULT 0,
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);
		`,
	},
}
