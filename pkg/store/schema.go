package store

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	join_code  TEXT NOT NULL UNIQUE COLLATE NOCASE,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS room_members (
	room_id   TEXT NOT NULL REFERENCES rooms(id),
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'member',
	joined_at TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL REFERENCES rooms(id),
	seq         INTEGER NOT NULL,
	sender_kind TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	content     TEXT NOT NULL,
	client_id   TEXT,
	reply_to    TEXT,
	created_at  TEXT NOT NULL,
	UNIQUE (room_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages(room_id, client_id) WHERE client_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(reply_to) WHERE reply_to IS NOT NULL;

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	room_id         TEXT NOT NULL REFERENCES rooms(id),
	title           TEXT NOT NULL,
	assignee        TEXT,
	due_at          TEXT,
	status          TEXT NOT NULL DEFAULT 'open',
	idempotency_key TEXT UNIQUE,
	created_by      TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	reminded_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room_id, status, created_at);

CREATE TABLE IF NOT EXISTS goals (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL REFERENCES rooms(id),
	description TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL REFERENCES rooms(id),
	title       TEXT NOT NULL,
	size        INTEGER NOT NULL,
	chunk_count INTEGER NOT NULL,
	uploaded_by TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_room ON documents(room_id, created_at);

CREATE TABLE IF NOT EXISTS knowledge (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id         TEXT NOT NULL REFERENCES rooms(id),
	kind            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	document_id     TEXT REFERENCES documents(id),
	idempotency_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_knowledge_room ON knowledge(room_id, id);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
	content,
	content='knowledge',
	content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
	INSERT INTO knowledge_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
	INSERT INTO knowledge_fts(knowledge_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// columnMigrations add columns that databases created by older releases lack.
var columnMigrations = []struct {
	table  string
	column string
	sql    string
}{
	{"rooms", "instructions", `ALTER TABLE rooms ADD COLUMN instructions TEXT NOT NULL DEFAULT ''`},
	{"knowledge", "document_id", `ALTER TABLE knowledge ADD COLUMN document_id TEXT REFERENCES documents(id)`},
	{"knowledge", "idempotency_key", `ALTER TABLE knowledge ADD COLUMN idempotency_key TEXT`},
}

// postMigrationIndexes need the migrated columns to exist.
const postMigrationIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_key ON knowledge(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_knowledge_document ON knowledge(document_id) WHERE document_id IS NOT NULL;
`
