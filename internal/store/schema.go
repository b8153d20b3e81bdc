package store

// Schema is the SQL DDL for all relational tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS api_profiles (
    id                 TEXT PRIMARY KEY,
    owner              TEXT NOT NULL,
    name               TEXT NOT NULL,
    base_url           TEXT NOT NULL,
    model              TEXT NOT NULL,
    encrypted_api_key  TEXT NOT NULL,
    temperature        DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    is_embedding_model BOOLEAN NOT NULL DEFAULT FALSE,
    embedding_dim      INTEGER NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (owner, name)
);
CREATE INDEX IF NOT EXISTS idx_api_profiles_owner ON api_profiles(owner);

CREATE TABLE IF NOT EXISTS personas (
    id                  TEXT PRIMARY KEY,
    owner               TEXT NOT NULL,
    handle              TEXT NOT NULL,
    display_name        TEXT NOT NULL,
    system_prompt       TEXT NOT NULL DEFAULT '',
    tone                TEXT NOT NULL DEFAULT '',
    proactivity         DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    memory_window       INTEGER NOT NULL DEFAULT 20,
    max_agents_per_turn INTEGER NOT NULL DEFAULT 2,
    api_profile_id      TEXT NOT NULL REFERENCES api_profiles(id) ON DELETE CASCADE,
    embedding_profile_id TEXT REFERENCES api_profiles(id) ON DELETE SET NULL,
    is_default          BOOLEAN NOT NULL DEFAULT FALSE,
    background_text     TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (owner, handle)
);
CREATE INDEX IF NOT EXISTS idx_personas_owner ON personas(owner);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    owner             TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    user_display_name TEXT NOT NULL DEFAULT '',
    user_handle       TEXT NOT NULL DEFAULT 'user',
    user_persona      TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);

CREATE TABLE IF NOT EXISTS messages (
    position   BIGSERIAL PRIMARY KEY,
    id         TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sender     TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
`
