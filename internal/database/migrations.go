package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "object store",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS objects (
    key TEXT PRIMARY KEY,
    body BLOB NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "content documents",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    platform TEXT NOT NULL,
    owner_username TEXT NOT NULL,
    owner_fold TEXT NOT NULL,
    body TEXT NOT NULL,
    likes INTEGER NOT NULL DEFAULT 0,
    comments INTEGER NOT NULL DEFAULT 0,
    shares INTEGER NOT NULL DEFAULT 0,
    posted_at TEXT,
    url TEXT,
    embedding TEXT,
    indexed_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS document_competitors (
    document_id TEXT NOT NULL REFERENCES documents(id),
    primary_fold TEXT NOT NULL,
    PRIMARY KEY (document_id, primary_fold)
);

CREATE INDEX IF NOT EXISTS idx_documents_platform_owner ON documents(platform, owner_fold);
CREATE INDEX IF NOT EXISTS idx_document_competitors_primary ON document_competitors(primary_fold);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
