// Package journal provides a small persistent key-value table for
// operational high-water marks that must survive restarts but do not
// belong in the cycle document: the Telegram update offset for the
// long-poll loop, and the announce-sent marker that bridges the window
// between a successful announcement and the cycle advance. Structured
// domain state (the cycle document itself) lives in cyclestate.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Keys used by the daemon. Collected here so the full set of journal
// state is visible in one place.
const (
	// KeyUpdateOffset is the Telegram getUpdates high-water mark.
	KeyUpdateOffset = "telegram_update_offset"

	// KeyAnnouncedVideo records a recording id whose announcement was
	// sent but whose cycle advance may not have been saved yet. Present
	// only inside that window or after a crash within it.
	KeyAnnouncedVideo = "announced_video_pending"
)

// Journal is a single-table key-value store backed by SQLite. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at the given path.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Get returns the stored value for a key. Returns empty string and nil
// error if the key does not exist.
func (j *Journal) Get(key string) (string, error) {
	var value string
	err := j.db.QueryRow(`SELECT value FROM journal WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("journal get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a key/value pair, refreshing the updated_at timestamp.
func (j *Journal) Set(key, value string) error {
	_, err := j.db.Exec(
		`INSERT INTO journal (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. No error is returned if the key does not exist.
func (j *Journal) Delete(key string) error {
	_, err := j.db.Exec(`DELETE FROM journal WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("journal delete %s: %w", key, err)
	}
	return nil
}
