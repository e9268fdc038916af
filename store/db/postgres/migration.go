package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// latestSchema is the full schema applied to a fresh database. Statements are
// idempotent so Migrate can run on every startup.
const latestSchema = `
CREATE TABLE IF NOT EXISTS "user" (
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	created_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_preferences (
	user_id INTEGER PRIMARY KEY REFERENCES "user"(id) ON DELETE CASCADE,
	prefs JSONB NOT NULL DEFAULT '{}',
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS intent (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	threshold DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	examples JSONB NOT NULL DEFAULT '[]',
	keywords JSONB NOT NULL DEFAULT '[]',
	fallback_reply TEXT NOT NULL DEFAULT '',
	cancel_intent BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS slot (
	id SERIAL PRIMARY KEY,
	intent_name TEXT NOT NULL REFERENCES intent(name) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	required BOOLEAN NOT NULL DEFAULT FALSE,
	is_list BOOLEAN NOT NULL DEFAULT FALSE,
	rules JSONB NOT NULL DEFAULT '[]',
	extraction_rules JSONB NOT NULL DEFAULT '[]',
	default_value TEXT NOT NULL DEFAULT '',
	prompt_template TEXT NOT NULL DEFAULT '',
	extraction_priority INTEGER NOT NULL DEFAULT 0,
	threshold DOUBLE PRECISION NOT NULL DEFAULT 0.6,
	UNIQUE (intent_name, name)
);

CREATE TABLE IF NOT EXISTS slot_dependency (
	id SERIAL PRIMARY KEY,
	intent_name TEXT NOT NULL REFERENCES intent(name) ON DELETE CASCADE,
	dependent TEXT NOT NULL,
	required_on TEXT NOT NULL,
	type TEXT NOT NULL,
	condition TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS function (
	id SERIAL PRIMARY KEY,
	intent_name TEXT NOT NULL REFERENCES intent(name) ON DELETE CASCADE,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT 'POST',
	headers JSONB NOT NULL DEFAULT '{}',
	param_mapping JSONB NOT NULL DEFAULT '{}',
	timeout_seconds INTEGER NOT NULL DEFAULT 30,
	retry_count INTEGER NOT NULL DEFAULT 3,
	asynchronous BOOLEAN NOT NULL DEFAULT FALSE,
	success_template TEXT NOT NULL DEFAULT '',
	error_template TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS prompt_template (
	id SERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	intent_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_entry (
	id SERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	canonical TEXT NOT NULL,
	aliases JSONB NOT NULL DEFAULT '[]',
	weight DOUBLE PRECISION NOT NULL DEFAULT 1,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_entity_entry_type ON entity_entry(type);

CREATE TABLE IF NOT EXISTS synonym_group (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	terms JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS stop_word (
	id SERIAL PRIMARY KEY,
	word TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS session (
	id SERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL REFERENCES "user"(id),
	current_intent TEXT,
	state TEXT NOT NULL DEFAULT 'active',
	context JSONB NOT NULL DEFAULT '{}',
	expires_ts BIGINT NOT NULL,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_user ON session(user_id);

CREATE TABLE IF NOT EXISTS conversation (
	id BIGSERIAL PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES session(id) ON DELETE CASCADE,
	turn_number INTEGER NOT NULL,
	user_input TEXT NOT NULL,
	intent TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	response TEXT NOT NULL DEFAULT '',
	response_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error_message TEXT,
	created_ts BIGINT NOT NULL,
	UNIQUE (session_id, turn_number)
);

CREATE TABLE IF NOT EXISTS slot_value (
	id BIGSERIAL PRIMARY KEY,
	turn_id BIGINT NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
	session_id INTEGER NOT NULL REFERENCES session(id) ON DELETE CASCADE,
	intent_name TEXT NOT NULL,
	slot_name TEXT NOT NULL,
	original_text TEXT NOT NULL DEFAULT '',
	extracted TEXT NOT NULL DEFAULT '',
	normalized TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	method TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slot_value_session ON slot_value(session_id, slot_name, id);

CREATE TABLE IF NOT EXISTS intent_ambiguity (
	id BIGSERIAL PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES session(id) ON DELETE CASCADE,
	turn_id BIGINT NOT NULL,
	candidates JSONB NOT NULL DEFAULT '[]',
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_as TEXT,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ambiguity_session ON intent_ambiguity(session_id, resolved);

CREATE TABLE IF NOT EXISTS intent_transfer (
	id BIGSERIAL PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES session(id) ON DELETE CASCADE,
	from_intent TEXT NOT NULL,
	to_intent TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	slot_snapshot JSONB NOT NULL DEFAULT '{}',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL DEFAULT TRUE,
	created_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS async_task (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	user_id INTEGER NOT NULL,
	turn_id BIGINT,
	payload JSONB NOT NULL DEFAULT '{}',
	result JSONB NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	log JSONB NOT NULL DEFAULT '[]',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL,
	expires_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_async_task_user ON async_task(user_id, status);

CREATE TABLE IF NOT EXISTS function_call_log (
	id BIGSERIAL PRIMARY KEY,
	session_id INTEGER NOT NULL,
	turn_id BIGINT NOT NULL,
	function_name TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_body TEXT NOT NULL DEFAULT '',
	response_body TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	elapsed_ms BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_function_call_log_key ON function_call_log(idempotency_key);
`

// Migrate applies the latest schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Debug("database schema up to date")
	return nil
}
