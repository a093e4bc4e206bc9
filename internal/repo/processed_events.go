package repo

import (
	"context"
	"database/sql"
)

// IsProcessed reports whether a gateway session id has already been applied.
// This is only a fast path; the authoritative guard is MarkProcessedTx inside
// the reconcile transaction.
func (r Repo) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE session_id=?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessedTx records a session id in the processed-event ledger. Returns
// false when the id was already present, meaning another writer won the race
// and the caller must not apply the mutation.
func (r Repo) MarkProcessedTx(ctx context.Context, tx *sql.Tx, sessionID, createdAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO processed_events(session_id, created_at) VALUES (?,?)`,
		sessionID, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
