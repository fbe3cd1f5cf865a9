package store

// migration holds a single schema migration with its target version and SQL.
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
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL,
	provider           TEXT NOT NULL DEFAULT 'imap',
	imap_host          TEXT NOT NULL,
	imap_port          INTEGER NOT NULL DEFAULT 993,
	username           TEXT NOT NULL,
	auth_method        TEXT NOT NULL DEFAULT 'password',
	sent_per_recipient INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS categories (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	is_label   INTEGER NOT NULL DEFAULT 0 CHECK(is_label IN (0, 1)),
	sync_state TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	hash              TEXT NOT NULL,
	thread_id         TEXT NOT NULL DEFAULT '',
	folder_id         TEXT REFERENCES categories(id) ON DELETE SET NULL,
	folder_imap_uid   INTEGER,
	unread            INTEGER NOT NULL DEFAULT 1 CHECK(unread IN (0, 1)),
	starred           INTEGER NOT NULL DEFAULT 0 CHECK(starred IN (0, 1)),
	label_keywords    TEXT NOT NULL DEFAULT '[]',
	date              DATETIME NOT NULL,
	header_message_id TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	from_addrs        TEXT NOT NULL DEFAULT '[]',
	to_addrs          TEXT NOT NULL DEFAULT '[]',
	cc_addrs          TEXT NOT NULL DEFAULT '[]',
	body_text         TEXT NOT NULL DEFAULT '',
	body_html         TEXT NOT NULL DEFAULT '',
	raw_header        BLOB,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, hash)
);

CREATE TABLE IF NOT EXISTS files (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	part_id      TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(message_id, part_id)
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, email)
);

CREATE TABLE IF NOT EXISTS syncback_requests (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	props      TEXT NOT NULL DEFAULT '{}',
	status     TEXT NOT NULL DEFAULT 'PENDING',
	error      TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_categories_account ON categories(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, folder_imap_uid);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_header_mid ON messages(account_id, header_message_id);
CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts(account_id, email);
CREATE INDEX IF NOT EXISTS idx_syncback_pending ON syncback_requests(account_id, status, created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
