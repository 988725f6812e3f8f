package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the experiment schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			-- owner is written once on insert and never updated.
			owner TEXT NOT NULL,
			status TEXT NOT NULL,
			-- doc is the full JSON record; owner/status are projections for filtering.
			doc TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_owner ON experiments(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1 AND schema_version < ?`, SchemaVersion, SchemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return tx.Commit()
}

// CurrentSchemaVersion reads the stored schema version.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}
