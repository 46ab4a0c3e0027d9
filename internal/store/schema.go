package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
	id                       TEXT PRIMARY KEY,
	created                  TEXT NOT NULL,
	memory_days              REAL NOT NULL,
	recalled_since_last_batch INTEGER NOT NULL DEFAULT 0,
	recall_count             INTEGER NOT NULL DEFAULT 0,
	emotional_intensity      INTEGER NOT NULL,
	emotional_valence        TEXT NOT NULL,
	emotional_arousal        INTEGER NOT NULL,
	emotional_tags           TEXT NOT NULL DEFAULT '[]',
	decay_coefficient        REAL NOT NULL,
	category                 TEXT NOT NULL,
	keywords                 TEXT NOT NULL DEFAULT '[]',
	current_level            INTEGER NOT NULL,
	trigger                  TEXT NOT NULL DEFAULT '',
	content                  TEXT NOT NULL DEFAULT '',
	embedding                BLOB,
	relations                TEXT NOT NULL DEFAULT '[]',
	retention_score          REAL NOT NULL,
	archived_at              TEXT,
	protected                INTEGER NOT NULL DEFAULT 0,
	revival_requested        INTEGER NOT NULL DEFAULT 0,
	revival_requested_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_retention_score ON memories(retention_score);
CREATE INDEX IF NOT EXISTS idx_memories_current_level   ON memories(current_level);
CREATE INDEX IF NOT EXISTS idx_memories_archived_at     ON memories(archived_at);
CREATE INDEX IF NOT EXISTS idx_memories_created         ON memories(created);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// StateKeyLastCompressionRun is the single reserved state key the batch
// engine uses to gate itself, per spec.md §6.
const StateKeyLastCompressionRun = "last_compression_run"
