package storage

// ---------------------------------------------------------------------------
// Schema version
// ---------------------------------------------------------------------------

// SchemaVersion is the current database schema version.
const SchemaVersion = 3

// schemaSQL is the initial schema. It is idempotent; every statement uses
// IF NOT EXISTS so re-running it is safe.
const schemaSQL = `
-- Named save points of the observed state. One row per scenario name; the
-- newest save wins.
CREATE TABLE IF NOT EXISTS scenarios (
    name        TEXT PRIMARY KEY,
    doc         TEXT NOT NULL,
    cell_count  INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);

-- Durable archive of observed cell transitions. The in-memory history ring
-- is bounded; this table is the long tail.
CREATE TABLE IF NOT EXISTS change_events (
    id              TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    cell_name       TEXT NOT NULL,
    previous_value  TEXT NOT NULL DEFAULT 'null',
    next_value      TEXT NOT NULL DEFAULT 'null',
    timestamp       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_time ON change_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_changes_type ON change_events(event_type);

-- AI-generated vector embeddings of cell values, one per cell name.
CREATE TABLE IF NOT EXISTS cell_embeddings (
    id          TEXT PRIMARY KEY,
    cell_name   TEXT NOT NULL UNIQUE,
    content     TEXT NOT NULL,
    vector      BLOB NOT NULL,
    model       TEXT NOT NULL,
    dimensions  INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
);
`

// GetSchema returns the version-1 schema SQL. Later migrations apply on top;
// New runs the full Migrations slice to bring a database current.
func GetSchema() string {
	return schemaSQL
}

// ---------------------------------------------------------------------------
// Migration support
// ---------------------------------------------------------------------------

// Migration describes a single schema migration that can be applied to the
// database. Migrations are ordered by Version and are idempotent.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the ordered list of all schema migrations.
// Apply them sequentially; skip any whose Version is already recorded
// in the schema_migrations table.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: scenarios, change_events, cell_embeddings, schema_migrations",
		SQL:         schemaSQL,
	},
	{
		Version:     2,
		Description: "Add covering index for per-cell history scans",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_changes_cell_time ON change_events(cell_name, timestamp DESC);
`,
	},
	{
		Version:     3,
		Description: "Add description column to scenarios",
		SQL: `
ALTER TABLE scenarios ADD COLUMN description TEXT NOT NULL DEFAULT '';
`,
	},
}
