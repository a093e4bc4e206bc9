package repo

import (
	"context"
	"database/sql"

	"bountyboard/internal/domain"
)

func scanSolution(scan func(dest ...any) error) (domain.Solution, error) {
	var s domain.Solution
	var approved int
	err := scan(&s.ID, &s.BountyPostID, &s.SubmitterID, &s.Content, &approved, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Approved = approved != 0
	return s, err
}

const solutionColumns = `id,bounty_post_id,submitter_id,content,approved,created_at`

func (r Repo) InsertSolutionTx(ctx context.Context, tx *sql.Tx, s domain.Solution) error {
	approved := 0
	if s.Approved {
		approved = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO solutions(`+solutionColumns+`) VALUES (?,?,?,?,?,?)`,
		s.ID, s.BountyPostID, s.SubmitterID, s.Content, approved, s.CreatedAt)
	return err
}

func (r Repo) GetSolution(ctx context.Context, id string) (domain.Solution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE id=?`, id)
	return scanSolution(row.Scan)
}

func (r Repo) ListSolutionsByPost(ctx context.Context, postID string, limit int) ([]domain.Solution, error) {
	query := `SELECT ` + solutionColumns + ` FROM solutions WHERE bounty_post_id=? ORDER BY created_at DESC, id DESC`
	args := []any{postID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Solution
	for rows.Next() {
		s, err := scanSolution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// HasApprovedSolution reports whether any solution for the post is approved.
func (r Repo) HasApprovedSolution(ctx context.Context, postID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM solutions WHERE bounty_post_id=? AND approved=1 LIMIT 1`, postID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasApprovedSolutionTx is HasApprovedSolution inside the caller's
// transaction, for checks that must hold until the commit.
func (r Repo) HasApprovedSolutionTx(ctx context.Context, tx *sql.Tx, postID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM solutions WHERE bounty_post_id=? AND approved=1 LIMIT 1`, postID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApproveSolutionTx marks the solution approved only if it is still pending
// and no sibling solution for the same post has been approved. Returns false
// when the conditional write did not apply.
func (r Repo) ApproveSolutionTx(ctx context.Context, tx *sql.Tx, id, postID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE solutions SET approved=1
WHERE id=? AND approved=0
AND NOT EXISTS (SELECT 1 FROM solutions WHERE bounty_post_id=? AND approved=1)`, id, postID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
