package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bountyboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const postColumns = `id,creator_id,title,description,bounty_price,visibility,upvotes,downvotes,created_at,updated_at`

func scanPost(scan func(dest ...any) error) (domain.BountyPost, error) {
	var p domain.BountyPost
	err := scan(&p.ID, &p.CreatorID, &p.Title, &p.Description, &p.BountyPrice, &p.Visibility, &p.Upvotes, &p.Downvotes, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPost(ctx context.Context, tx *sql.Tx, p domain.BountyPost) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bounty_posts(`+postColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CreatorID, p.Title, p.Description, p.BountyPrice, p.Visibility, p.Upvotes, p.Downvotes, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPost(ctx context.Context, id string) (domain.BountyPost, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+postColumns+` FROM bounty_posts WHERE id=?`, id)
	return scanPost(row.Scan)
}

func (r Repo) GetPostTx(ctx context.Context, tx *sql.Tx, id string) (domain.BountyPost, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM bounty_posts WHERE id=?`, id)
	return scanPost(row.Scan)
}

type PostFilters struct {
	Visibility string
	CreatorID  string
	Limit      int
}

func (r Repo) ListPosts(ctx context.Context, f PostFilters) ([]domain.BountyPost, error) {
	var clauses []string
	var args []any
	if f.Visibility != "" {
		clauses = append(clauses, "visibility=?")
		args = append(args, f.Visibility)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + postColumns + ` FROM bounty_posts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BountyPost
	for rows.Next() {
		p, err := scanPost(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPublicTx flips a draft post to public. Returns false when the post was
// already public, which callers treat as an idempotent no-op.
func (r Repo) SetPublicTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bounty_posts SET visibility=?, updated_at=? WHERE id=? AND visibility=?`,
		domain.VisibilityPublic, updatedAt, id, domain.VisibilityDraft)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TopUpTx adds amount to the post's bounty price.
func (r Repo) TopUpTx(ctx context.Context, tx *sql.Tx, id string, amount int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bounty_posts SET bounty_price=bounty_price+?, updated_at=? WHERE id=?`,
		amount, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePostTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bounty_posts WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustVoteCountsTx applies relative counter deltas so concurrent votes on
// different users never overwrite each other's counts.
func (r Repo) AdjustVoteCountsTx(ctx context.Context, tx *sql.Tx, id string, dUp, dDown int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bounty_posts SET upvotes=upvotes+?, downvotes=downvotes+?, updated_at=? WHERE id=?`,
		dUp, dDown, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
