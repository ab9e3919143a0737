package store

// schemaStatements is executed in order on every startup. Each statement
// is idempotent (IF NOT EXISTS), so bootstrap doubles as migration for
// fresh databases; incremental column adds live in bootstrap().
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS turns (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id         INTEGER NOT NULL,
		thread_id       INTEGER,
		message_id      INTEGER,
		user_id         INTEGER NOT NULL,
		role            TEXT NOT NULL CHECK (role IN ('user','model','system','tool')),
		text            TEXT NOT NULL DEFAULT '',
		media           TEXT,                -- JSON array of media parts
		metadata        TEXT,                -- JSON object, also rendered into text
		embedding       TEXT,                -- JSON array of floats
		ts              INTEGER NOT NULL,
		retention_days  INTEGER NOT NULL DEFAULT 90
	)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_chat_ts ON turns (chat_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_chat_thread_ts ON turns (chat_id, thread_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_turns_chat_message ON turns (chat_id, message_id)`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
		text, content='turns', content_rowid='id', tokenize='unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS turns_fts_insert AFTER INSERT ON turns BEGIN
		INSERT INTO turns_fts(rowid, text) VALUES (new.id, new.text);
	END`,
	`CREATE TRIGGER IF NOT EXISTS turns_fts_delete AFTER DELETE ON turns BEGIN
		INSERT INTO turns_fts(turns_fts, rowid, text) VALUES ('delete', old.id, old.text);
	END`,

	`CREATE TABLE IF NOT EXISTS facts (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type    TEXT NOT NULL CHECK (entity_type IN ('user','chat')),
		entity_id      INTEGER NOT NULL,
		chat_context   TEXT NOT NULL DEFAULT 'global',
		category       TEXT NOT NULL,
		fact_key       TEXT NOT NULL,
		fact_value     TEXT NOT NULL,
		confidence     REAL NOT NULL DEFAULT 0.5,
		evidence       TEXT,
		is_active      INTEGER NOT NULL DEFAULT 1,
		evidence_count INTEGER NOT NULL DEFAULT 1,
		embedding      TEXT,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts (entity_type, entity_id, chat_context, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_facts_key ON facts (entity_type, entity_id, chat_context, category, fact_key)`,

	`CREATE TABLE IF NOT EXISTS fact_versions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		fact_id     INTEGER NOT NULL REFERENCES facts(id),
		change_type TEXT NOT NULL CHECK (change_type IN ('creation','reinforcement','evolution','correction','deletion')),
		old_value   TEXT,
		new_value   TEXT,
		reason      TEXT,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_versions_fact ON fact_versions (fact_id)`,

	// Legacy table surfaced read-only through the compatibility shim.
	`CREATE TABLE IF NOT EXISTS user_facts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		chat_id    INTEGER,
		fact_type  TEXT NOT NULL,
		fact_key   TEXT NOT NULL,
		fact_value TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS episodes (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id       INTEGER NOT NULL,
		thread_id     INTEGER,
		start_turn_id INTEGER NOT NULL,
		end_turn_id   INTEGER NOT NULL,
		participants  TEXT NOT NULL,       -- JSON array of user ids
		summary       TEXT NOT NULL DEFAULT '',
		topic         TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '[]',
		importance    REAL NOT NULL DEFAULT 0.5,
		valence       TEXT NOT NULL DEFAULT 'neutral',
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes (chat_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS bans (
		chat_id    INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS prompt_overrides (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		scope       TEXT NOT NULL CHECK (scope IN ('global','chat','personal')),
		chat_id     INTEGER,
		admin_id    INTEGER NOT NULL,
		version     INTEGER NOT NULL,
		prompt_text TEXT NOT NULL,
		is_active   INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_scope ON prompt_overrides (scope, chat_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS rate_ledger (
		user_id      INTEGER NOT NULL,
		feature      TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		count        INTEGER NOT NULL DEFAULT 0,
		last_request INTEGER NOT NULL,
		PRIMARY KEY (user_id, feature, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS cooldowns (
		user_id   INTEGER NOT NULL,
		feature   TEXT NOT NULL,
		last_used INTEGER NOT NULL,
		PRIMARY KEY (user_id, feature)
	)`,
	`CREATE TABLE IF NOT EXISTS user_reputation (
		user_id    INTEGER PRIMARY KEY,
		multiplier REAL NOT NULL DEFAULT 1.0,
		spam_score REAL NOT NULL DEFAULT 0.0,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id           INTEGER PRIMARY KEY,
		display_name      TEXT,
		username          TEXT,
		pronouns          TEXT,
		membership        TEXT NOT NULL DEFAULT 'member',
		interaction_count INTEGER NOT NULL DEFAULT 0,
		last_seen         INTEGER NOT NULL DEFAULT 0,
		summary           TEXT NOT NULL DEFAULT '',
		summary_updated   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS chat_profiles (
		chat_id           INTEGER PRIMARY KEY,
		title             TEXT,
		interaction_count INTEGER NOT NULL DEFAULT 0,
		last_seen         INTEGER NOT NULL DEFAULT 0,
		summary           TEXT NOT NULL DEFAULT '',
		summary_updated   INTEGER NOT NULL DEFAULT 0,
		donation_optout   INTEGER NOT NULL DEFAULT 0
	)`,

	// Self-learning tables are isolated so the subsystem can be dropped
	// wholesale behind its feature flag.
	`CREATE TABLE IF NOT EXISTS bot_outcomes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id     INTEGER NOT NULL,
		turn_id     INTEGER NOT NULL,
		signal      TEXT NOT NULL,        -- 'reaction','reply','silence'
		score       REAL NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS image_quota (
		user_id INTEGER NOT NULL,
		day     TEXT NOT NULL,            -- YYYY-MM-DD
		used    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	)`,
}
