// Package repository provides the PostgreSQL-backed rotation journal.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/cfvault/internal/models"
)

const eventColumns = `rotation_id, state, failed_at, old_credential_id, new_credential_id, error, orphaned, created_at`

// PostgresJournalRepository stores rotation events in the rotation_events table.
type PostgresJournalRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresJournalRepository creates a PostgresJournalRepository using the provided *sql.DB.
func NewPostgresJournalRepository(db *sql.DB) *PostgresJournalRepository {
	return &PostgresJournalRepository{DB: db}
}

// Record appends one rotation event.
func (r *PostgresJournalRepository) Record(ctx context.Context, ev models.RotationEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO rotation_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.RotationID, string(ev.State), string(ev.FailedAt), ev.OldCredentialID, ev.NewCredentialID, ev.Error, ev.Orphaned, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("record rotation event: %w", err)
	}
	return nil
}

// ListUnresolved returns the latest event of every rotation that may have
// left a valid credential behind: rotations that stopped while swapping or
// revoking, rotations that failed at the revoke step, and failed rotations
// whose unused new credential could not be revoked.
func (r *PostgresJournalRepository) ListUnresolved(ctx context.Context) ([]models.RotationEvent, error) {
	interrupted := []string{string(models.StateSwapping), string(models.StateRevoking)}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM rotation_events e
		 WHERE e.id IN (SELECT MAX(id) FROM rotation_events GROUP BY rotation_id)
		   AND (e.state = ANY($1) OR (e.state = $2 AND (e.failed_at = $3 OR e.orphaned)))
		 ORDER BY e.created_at
	`, pq.Array(interrupted), string(models.StateFailed), string(models.StateRevoking))
	if err != nil {
		return nil, fmt.Errorf("ListUnresolved: %w", err)
	}
	return scanEvents(rows)
}

// History returns every event of one rotation in the order recorded.
func (r *PostgresJournalRepository) History(ctx context.Context, rotationID string) ([]models.RotationEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM rotation_events
		 WHERE rotation_id = $1
		 ORDER BY id
	`, rotationID)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return scanEvents(rows)
}

// Resolve marks a rotation as handled by an operator, typically after the
// old credential was revoked by hand. It records a done event.
func (r *PostgresJournalRepository) Resolve(ctx context.Context, rotationID, note string) error {
	events, err := r.History(ctx, rotationID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("resolve rotation %s: %w", rotationID, sql.ErrNoRows)
	}
	last := events[len(events)-1]
	return r.Record(ctx, models.RotationEvent{
		RotationID:      rotationID,
		State:           models.StateDone,
		OldCredentialID: last.OldCredentialID,
		NewCredentialID: last.NewCredentialID,
		Error:           note,
	})
}

func scanEvents(rows *sql.Rows) ([]models.RotationEvent, error) {
	defer rows.Close()

	var events []models.RotationEvent
	for rows.Next() {
		var (
			ev              models.RotationEvent
			state, failedAt string
		)
		if err := rows.Scan(&ev.RotationID, &state, &failedAt, &ev.OldCredentialID, &ev.NewCredentialID, &ev.Error, &ev.Orphaned, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ev.State = models.RotationState(state)
		ev.FailedAt = models.RotationState(failedAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}
