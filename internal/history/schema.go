package history

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order. The index of a migration plus one is the
// schema version it produces; never edit or reorder a released entry.
var migrations = []string{
	// 1: base table.
	`CREATE TABLE IF NOT EXISTS transcription_history (
	    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	    file_name          TEXT    NOT NULL,
	    timestamp          INTEGER NOT NULL,
	    saved              BOOLEAN NOT NULL DEFAULT 0,
	    title              TEXT    NOT NULL,
	    transcription_text TEXT    NOT NULL
	)`,

	// 2, 3: post-processing output.
	`ALTER TABLE transcription_history ADD COLUMN post_processed_text TEXT NULL`,
	`ALTER TABLE transcription_history ADD COLUMN post_process_prompt TEXT NULL`,

	// 4: listing and retention scans order by timestamp.
	`CREATE INDEX IF NOT EXISTS idx_transcription_history_timestamp
	    ON transcription_history (timestamp DESC)`,
}

// migrate brings the database to the latest schema version. Each migration
// runs in its own transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("history: create schema_version: %w", err)
	}

	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("history: init schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("history: read schema_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("history: database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("history: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("history: migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("history: record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("history: commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
