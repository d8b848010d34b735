package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultPath is the database file used when none is configured.
const DefaultPath = "downloads.db"

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	title TEXT,
	destination TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'waiting',
	error TEXT,
	instance_id TEXT,
	created_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads (created_at);
CREATE INDEX IF NOT EXISTS idx_downloads_finished_at ON downloads (finished_at);
`

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
// ":memory:" opens a private in-memory database.
func InitDB(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
