package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "loops: tracked conversational threads awaiting proactive mention",
		SQL: `
CREATE TABLE loops (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL,
    loop_type            TEXT NOT NULL CHECK (loop_type IN ('pending_event', 'emotional_followup', 'curiosity_thread', 'promise', 'unresolved_question')),
    topic                TEXT NOT NULL,
    salience             REAL NOT NULL DEFAULT 0.5,
    status               TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'surfaced', 'resolved', 'dismissed', 'expired')),

    -- Caller-facing context
    trigger_context      TEXT,
    suggested_followup   TEXT,

    -- Surfacing bookkeeping
    surface_count        INTEGER NOT NULL DEFAULT 0,
    max_surfaces         INTEGER NOT NULL DEFAULT 2 CHECK (max_surfaces > 0),
    last_surfaced_at     INTEGER,

    -- Timing gates
    should_surface_after INTEGER,
    expires_at           INTEGER,

    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

-- The candidate set for the fuzzy-topic scan is fetched by (user_id, status)
-- and filtered in memory; exact topic matching is not index-friendly.
CREATE INDEX idx_loops_user_status ON loops(user_id, status);
CREATE INDEX idx_loops_user_topic  ON loops(user_id, topic);
CREATE INDEX idx_loops_salience    ON loops(salience DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
