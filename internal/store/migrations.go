package store

// migration holds a single schema migration with its target version and SQL.
// The SQL must run unchanged on both SQLite and PostgreSQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL,
	provider           TEXT NOT NULL,
	settings           TEXT NOT NULL DEFAULT '{}',
	sync_should_run    INTEGER NOT NULL DEFAULT 1,
	sync_host          TEXT NOT NULL DEFAULT '',
	desired_sync_host  TEXT NOT NULL DEFAULT '',
	claim_expires_unix BIGINT NOT NULL DEFAULT 0,
	sync_state         TEXT NOT NULL DEFAULT 'stopped',
	last_error         TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	deleted_at         TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	name        TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	attributes  TEXT NOT NULL DEFAULT '[]',
	removed     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE (account_id, name)
);

CREATE TABLE IF NOT EXISTS folder_cursors (
	folder_id       TEXT PRIMARY KEY REFERENCES folders(id),
	account_id      TEXT NOT NULL,
	validity_epoch  BIGINT NOT NULL,
	high_water_mark BIGINT NOT NULL,
	mark_kind       TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	thread_key      TEXT NOT NULL,
	unread          INTEGER NOT NULL DEFAULT 0,
	starred         INTEGER NOT NULL DEFAULT 0,
	archived        INTEGER NOT NULL DEFAULT 0,
	labels          TEXT NOT NULL DEFAULT '[]',
	message_count   INTEGER NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP,
	updated_at      TIMESTAMP NOT NULL,
	UNIQUE (account_id, thread_key)
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id),
	message_key       TEXT NOT NULL,
	global_message_id TEXT NOT NULL DEFAULT '',
	global_thread_id  TEXT NOT NULL DEFAULT '',
	thread_id         TEXT NOT NULL REFERENCES threads(id),
	subject           TEXT NOT NULL DEFAULT '',
	from_addr         TEXT NOT NULL DEFAULT '',
	header_message_id TEXT NOT NULL DEFAULT '',
	sent_at           TIMESTAMP NOT NULL,
	body_key          TEXT NOT NULL DEFAULT '',
	body_missing      INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	UNIQUE (account_id, message_key)
);

CREATE TABLE IF NOT EXISTS message_refs (
	folder_id      TEXT NOT NULL REFERENCES folders(id),
	remote_uid     BIGINT NOT NULL,
	account_id     TEXT NOT NULL,
	validity_epoch BIGINT NOT NULL,
	message_id     TEXT NOT NULL REFERENCES messages(id),
	flags          TEXT NOT NULL DEFAULT '[]',
	labels         TEXT NOT NULL DEFAULT '[]',
	modseq         BIGINT NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (folder_id, remote_uid)
);

CREATE INDEX IF NOT EXISTS idx_message_refs_message ON message_refs(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS migration_intents (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	host        TEXT NOT NULL,
	from_host   TEXT NOT NULL DEFAULT '',
	to_host     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	consumed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_migration_intents_host ON migration_intents(host);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_errors (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	folder_id  TEXT NOT NULL DEFAULT '',
	remote_uid BIGINT NOT NULL DEFAULT 0,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_sync_status (
	folder_id       TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	state           TEXT NOT NULL,
	last_pass_kind  TEXT NOT NULL DEFAULT '',
	last_pass_start TIMESTAMP NOT NULL,
	last_pass_end   TIMESTAMP NOT NULL,
	remote_count    INTEGER NOT NULL DEFAULT 0,
	applied         INTEGER NOT NULL DEFAULT 0,
	validity_epoch  BIGINT NOT NULL DEFAULT 0,
	high_water_mark BIGINT NOT NULL DEFAULT 0,
	heartbeat_at    TIMESTAMP NOT NULL,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_errors_account ON sync_errors(account_id);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
