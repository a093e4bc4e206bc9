package repo

import (
	"context"
	"database/sql"

	"bountyboard/internal/domain"
)

// GetVoteTx reads a user's current vote on a post inside a transaction so the
// read-flip-write sequence of the vote ledger stays atomic.
func (r Repo) GetVoteTx(ctx context.Context, tx *sql.Tx, postID, userID string) (domain.Vote, error) {
	var v domain.Vote
	err := tx.QueryRowContext(ctx, `SELECT post_id,user_id,direction,created_at FROM votes WHERE post_id=? AND user_id=?`, postID, userID).
		Scan(&v.PostID, &v.UserID, &v.Direction, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(post_id,user_id,direction,created_at) VALUES (?,?,?,?)
ON CONFLICT(post_id,user_id) DO UPDATE SET direction=excluded.direction`, v.PostID, v.UserID, v.Direction, v.CreatedAt)
	return err
}

// CountVotes tallies the votes table directly; used by tests to check the
// counters on the post row never drift from the membership rows.
func (r Repo) CountVotes(ctx context.Context, postID string) (up, down int, err error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT direction, count(*) FROM votes WHERE post_id=? GROUP BY direction`, postID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var direction string
		var n int
		if err := rows.Scan(&direction, &n); err != nil {
			return 0, 0, err
		}
		switch direction {
		case domain.VoteUp:
			up = n
		case domain.VoteDown:
			down = n
		}
	}
	return up, down, rows.Err()
}
