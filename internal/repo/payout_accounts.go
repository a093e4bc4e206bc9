package repo

import (
	"context"
	"database/sql"

	"bountyboard/internal/domain"
)

// UpsertPayoutAccount links (or relinks) a user's external payout destination.
func (r Repo) UpsertPayoutAccount(ctx context.Context, acct domain.PayoutAccount) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payout_accounts(user_id, account_ref, created_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET account_ref=excluded.account_ref`, acct.UserID, acct.AccountRef, acct.CreatedAt)
	return err
}

func (r Repo) GetPayoutAccount(ctx context.Context, userID string) (domain.PayoutAccount, error) {
	var acct domain.PayoutAccount
	err := r.DB.QueryRowContext(ctx, `SELECT user_id, account_ref, created_at FROM payout_accounts WHERE user_id=?`, userID).
		Scan(&acct.UserID, &acct.AccountRef, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return acct, ErrNotFound
	}
	return acct, err
}
