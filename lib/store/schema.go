// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

// migrations are applied in order by sqlitepool. Append only: a
// released script must never change.
var migrations = []string{
	`
	CREATE TABLE conversation (
		conversation_id  TEXT PRIMARY KEY,
		title            TEXT NOT NULL DEFAULT '',
		workspace        TEXT NOT NULL DEFAULT '',
		context          BLOB NOT NULL,
		context_encoding TEXT NOT NULL,
		context_digest   BLOB NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX idx_conversation_updated ON conversation(updated_at);

	CREATE TABLE conversation_stats (
		conversation_id   TEXT PRIMARY KEY
			REFERENCES conversation(conversation_id) ON DELETE CASCADE,
		message_count     INTEGER NOT NULL DEFAULT 0,
		prompt_tokens     TEXT NOT NULL,
		completion_tokens TEXT NOT NULL,
		cached_tokens     TEXT NOT NULL,
		total_tokens      TEXT NOT NULL,
		cost              REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE turn_usage (
		conversation_id TEXT NOT NULL
			REFERENCES conversation(conversation_id) ON DELETE CASCADE,
		turn_id         TEXT NOT NULL,
		usage           TEXT NOT NULL,
		state           TEXT NOT NULL,
		recorded_at     INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, turn_id)
	);
	`,
}
