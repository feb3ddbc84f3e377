package localdb

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Timestamps are stored as Unix nanoseconds and string lists as JSON arrays.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                    TEXT PRIMARY KEY,
	email                 TEXT NOT NULL,
	display_name          TEXT NOT NULL DEFAULT '',
	provider              TEXT NOT NULL,
	enabled               INTEGER NOT NULL DEFAULT 1,
	imap_host             TEXT NOT NULL DEFAULT '',
	imap_port             INTEGER NOT NULL DEFAULT 993,
	imap_security         TEXT NOT NULL DEFAULT 'tls',
	smtp_host             TEXT NOT NULL DEFAULT '',
	smtp_port             INTEGER NOT NULL DEFAULT 587,
	smtp_security         TEXT NOT NULL DEFAULT 'starttls',
	username              TEXT NOT NULL DEFAULT '',
	auth_method           TEXT NOT NULL DEFAULT 'password',
	encrypted_secret      BLOB,
	encrypted_oauth_token BLOB,
	jmap_session_url      TEXT NOT NULL DEFAULT '',
	sync_days_back        INTEGER NOT NULL DEFAULT 30,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS labels (
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	id           TEXT NOT NULL,
	name         TEXT NOT NULL,
	type         TEXT NOT NULL,
	path         TEXT NOT NULL DEFAULT '',
	unread_count INTEGER NOT NULL DEFAULT 0,
	total_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, id)
);

CREATE TABLE IF NOT EXISTS threads (
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	id              TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	snippet         TEXT NOT NULL DEFAULT '',
	last_message_at INTEGER NOT NULL DEFAULT 0,
	message_count   INTEGER NOT NULL DEFAULT 0,
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_starred      INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	label_ids       TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (account_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	account_id            TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	id                    TEXT NOT NULL,
	thread_id             TEXT NOT NULL,
	native_thread_id      TEXT NOT NULL DEFAULT '',
	message_id_header     TEXT NOT NULL DEFAULT '',
	in_reply_to           TEXT NOT NULL DEFAULT '[]',
	reference_ids         TEXT NOT NULL DEFAULT '[]',
	from_address          TEXT NOT NULL DEFAULT '',
	from_name             TEXT NOT NULL DEFAULT '',
	to_addresses          TEXT NOT NULL DEFAULT '[]',
	cc_addresses          TEXT NOT NULL DEFAULT '[]',
	bcc_addresses         TEXT NOT NULL DEFAULT '[]',
	reply_to              TEXT NOT NULL DEFAULT '',
	subject               TEXT NOT NULL DEFAULT '',
	snippet               TEXT NOT NULL DEFAULT '',
	body_html             TEXT,
	body_text             TEXT,
	sent_at               INTEGER NOT NULL DEFAULT 0,
	received_at           INTEGER NOT NULL DEFAULT 0,
	is_read               INTEGER NOT NULL DEFAULT 0,
	is_starred            INTEGER NOT NULL DEFAULT 0,
	is_draft              INTEGER NOT NULL DEFAULT 0,
	raw_size              INTEGER NOT NULL DEFAULT 0,
	label_ids             TEXT NOT NULL DEFAULT '[]',
	list_unsubscribe      TEXT NOT NULL DEFAULT '',
	list_unsubscribe_post TEXT NOT NULL DEFAULT '',
	auth_results          TEXT NOT NULL DEFAULT '',
	imap_uid              INTEGER NOT NULL DEFAULT 0,
	imap_folder           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_message_id_header ON messages(account_id, message_id_header);

CREATE TABLE IF NOT EXISTS attachments (
	account_id  TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	part_id     TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	filename    TEXT NOT NULL DEFAULT '',
	mime_type   TEXT NOT NULL DEFAULT '',
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	is_inline   INTEGER NOT NULL DEFAULT 0,
	content_id  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, message_id, part_id),
	FOREIGN KEY (account_id, message_id) REFERENCES messages(account_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS folder_sync_state (
	account_id     TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_path    TEXT NOT NULL,
	uidvalidity    INTEGER NOT NULL,
	last_seen_uid  INTEGER NOT NULL DEFAULT 0,
	highest_modseq INTEGER,
	last_sync_at   INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder_path)
);

CREATE TABLE IF NOT EXISTS object_sync_state (
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	object_type TEXT NOT NULL,
	state       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, object_type)
);

CREATE TABLE IF NOT EXISTS pending_operations (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	resource_id   TEXT NOT NULL,
	op_type       TEXT NOT NULL,
	params        TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_operations_resource ON pending_operations(account_id, resource_id);

CREATE TABLE IF NOT EXISTS account_sync_status (
	account_id                TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	initial_sync_completed_at INTEGER,
	last_pass_at              INTEGER,
	last_error                TEXT NOT NULL DEFAULT '',
	last_stored               INTEGER NOT NULL DEFAULT 0,
	last_reported             INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
