// Package db opens the PostgreSQL database backing the rotation journal and
// maintains its schema.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS rotation_events (
    id BIGSERIAL PRIMARY KEY,
    rotation_id TEXT NOT NULL,
    state TEXT NOT NULL,
    failed_at TEXT NOT NULL DEFAULT '',
    old_credential_id TEXT NOT NULL DEFAULT '',
    new_credential_id TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    orphaned BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE rotation_events ADD COLUMN IF NOT EXISTS orphaned BOOLEAN NOT NULL DEFAULT false;

CREATE INDEX IF NOT EXISTS rotation_events_rotation_id_idx ON rotation_events (rotation_id);
`

// InitPostgres connects to dsn and makes sure the journal schema exists.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := EnsureSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureSchema creates the journal table if it is missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
