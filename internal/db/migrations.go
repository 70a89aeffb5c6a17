package db

// migration is one schema step, written once per dialect.
type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations are applied in order and recorded in schema_versions.
var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS conversations (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id       TEXT NULL,
    guest_session  TEXT NULL,
    title          TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_guest ON conversations(guest_session, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id  INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role             TEXT NOT NULL,
    content          TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'done',
    provider         TEXT NOT NULL DEFAULT '',
    model_name       TEXT NOT NULL DEFAULT '',
    tokens_input     INTEGER NULL,
    tokens_output    INTEGER NULL,
    latency_ms       INTEGER NULL,
    created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS conversations (
    id             BIGSERIAL PRIMARY KEY,
    owner_id       TEXT NULL,
    guest_session  TEXT NULL,
    title          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_guest ON conversations(guest_session, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id               BIGSERIAL PRIMARY KEY,
    conversation_id  BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role             TEXT NOT NULL,
    content          TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'done',
    provider         TEXT NOT NULL DEFAULT '',
    model_name       TEXT NOT NULL DEFAULT '',
    tokens_input     INTEGER NULL,
    tokens_output    INTEGER NULL,
    latency_ms       INTEGER NULL,
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`,
	},
	// Migration 2: model catalog and per-user grants
	{
		version: 2,
		sqlite: `
CREATE TABLE IF NOT EXISTS ai_models (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    model_id      TEXT NOT NULL UNIQUE,
    display_name  TEXT NOT NULL,
    provider      TEXT NOT NULL,
    tier          TEXT NOT NULL DEFAULT 'free',
    is_active     INTEGER NOT NULL DEFAULT 1,
    limits        TEXT NOT NULL DEFAULT '{}',
    capabilities  TEXT NOT NULL DEFAULT '{}',
    pricing       TEXT NOT NULL DEFAULT '{}',
    metadata      TEXT NOT NULL DEFAULT '{}',
    last_synced   DATETIME NOT NULL,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_models_tier ON ai_models(tier, is_active);
CREATE INDEX IF NOT EXISTS idx_ai_models_provider ON ai_models(provider, is_active);

CREATE TABLE IF NOT EXISTS user_model_permissions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL,
    model_id    TEXT NOT NULL REFERENCES ai_models(model_id) ON DELETE CASCADE,
    granted_by  TEXT NOT NULL DEFAULT '',
    is_active   INTEGER NOT NULL DEFAULT 1,
    expires_at  DATETIME NULL,
    created_at  DATETIME NOT NULL,
    UNIQUE(user_id, model_id)
);
CREATE INDEX IF NOT EXISTS idx_permissions_user ON user_model_permissions(user_id, is_active);
`,
		postgres: `
CREATE TABLE IF NOT EXISTS ai_models (
    id            BIGSERIAL PRIMARY KEY,
    model_id      TEXT NOT NULL UNIQUE,
    display_name  TEXT NOT NULL,
    provider      TEXT NOT NULL,
    tier          TEXT NOT NULL DEFAULT 'free',
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    limits        TEXT NOT NULL DEFAULT '{}',
    capabilities  TEXT NOT NULL DEFAULT '{}',
    pricing       TEXT NOT NULL DEFAULT '{}',
    metadata      TEXT NOT NULL DEFAULT '{}',
    last_synced   TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_models_tier ON ai_models(tier, is_active);
CREATE INDEX IF NOT EXISTS idx_ai_models_provider ON ai_models(provider, is_active);

CREATE TABLE IF NOT EXISTS user_model_permissions (
    id          BIGSERIAL PRIMARY KEY,
    user_id     TEXT NOT NULL,
    model_id    TEXT NOT NULL REFERENCES ai_models(model_id) ON DELETE CASCADE,
    granted_by  TEXT NOT NULL DEFAULT '',
    is_active   BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at  TIMESTAMPTZ NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    UNIQUE(user_id, model_id)
);
CREATE INDEX IF NOT EXISTS idx_permissions_user ON user_model_permissions(user_id, is_active);
`,
	},
	// Migration 3: remember the model a conversation was started with
	{
		version:  3,
		sqlite:   `ALTER TABLE conversations ADD COLUMN model_name TEXT NOT NULL DEFAULT '';`,
		postgres: `ALTER TABLE conversations ADD COLUMN IF NOT EXISTS model_name TEXT NOT NULL DEFAULT '';`,
	},
}
