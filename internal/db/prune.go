package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// pruneQuery deletes every event of a rotation whose latest event is older
// than the cutoff and which left nothing behind for an operator: it either
// finished, or failed before the vault was changed without orphaning a
// credential.
const pruneQuery = `
DELETE FROM rotation_events
 WHERE rotation_id IN (
    SELECT e.rotation_id FROM rotation_events e
     WHERE e.id IN (SELECT MAX(id) FROM rotation_events GROUP BY rotation_id)
       AND e.created_at < $1
       AND (e.state = $2 OR (e.state = $3 AND e.failed_at <> $4 AND NOT e.orphaned))
 )`

// PruneRotationJournal removes resolved rotations older than retention and
// returns the number of deleted events. Unresolved rotations are kept
// regardless of age.
func PruneRotationJournal(ctx context.Context, db *sql.DB, retention time.Duration, log *zap.Logger) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := db.ExecContext(ctx, pruneQuery, cutoff, "done", "failed", "revoking")
	if err != nil {
		log.Error("failed to prune rotation journal", zap.Error(err))
		return 0, fmt.Errorf("prune rotation journal: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		log.Info("pruned rotation journal", zap.Int64("removed", rows), zap.Time("cutoff", cutoff))
	}
	return rows, nil
}
