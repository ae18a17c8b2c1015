// Package sqlite provides the lightweight embedded backend: a pure-Go SQLite
// implementation of the Typedex storage contract.
package sqlite

// Schema contains the SQL statements to create the Typedex schema for SQLite.
// Every statement is idempotent (IF NOT EXISTS) so the schema is safe to
// re-run on every startup.
const Schema = `
-- Entities table: typed subjects (people, fictional characters, public figures)
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT 'person',
    category TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',

    -- Open metadata (JSON object), never interpreted by the store
    metadata TEXT,

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_by TEXT NOT NULL DEFAULT ''
);

-- Users table: raters and commenters (real or synthetic)
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Ratings table: immutable typing judgments
CREATE TABLE IF NOT EXISTS ratings (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    system TEXT NOT NULL,
    type_code TEXT NOT NULL,
    confidence REAL NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (entity_id) REFERENCES entities(id),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

-- Comments table: immutable free-text discussion
CREATE TABLE IF NOT EXISTS comments (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (entity_id) REFERENCES entities(id),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

-- Edit history: append-only per-field change records
CREATE TABLE IF NOT EXISTS edit_history (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    field TEXT NOT NULL,
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    change_type TEXT NOT NULL DEFAULT 'update',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (entity_id) REFERENCES entities(id)
);

-- Reference catalog: typing systems and their valid codes
CREATE TABLE IF NOT EXISTS typing_systems (
    name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS type_codes (
    system TEXT NOT NULL,
    code TEXT NOT NULL,

    PRIMARY KEY (system, code),
    FOREIGN KEY (system) REFERENCES typing_systems(name)
);

-- Embeddings: one raw vector per entity, kept for index rebuilds
CREATE TABLE IF NOT EXISTS embeddings (
    entity_id TEXT PRIMARY KEY,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (entity_id) REFERENCES entities(id)
);

-- Supporting indexes
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
CREATE INDEX IF NOT EXISTS idx_entities_category ON entities(category);
CREATE INDEX IF NOT EXISTS idx_ratings_entity ON ratings(entity_id);
CREATE INDEX IF NOT EXISTS idx_comments_entity ON comments(entity_id);
CREATE INDEX IF NOT EXISTS idx_edit_history_entity ON edit_history(entity_id);
`
