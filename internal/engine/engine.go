// Package engine implements the bounty board's business rules: post
// lifecycle, payment reconciliation, voting and solution approval. All
// mutations write their audit event in the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bountyboard/internal/config"
	"bountyboard/internal/domain"
	"bountyboard/internal/engine/fault"
	"bountyboard/internal/events"
	"bountyboard/internal/gateway"
	"bountyboard/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gateway gateway.Gateway
	Config  *config.Config
	Now     func() time.Time

	locks *postLocks
}

func New(db *sql.DB, cfg *config.Config, gw gateway.Gateway) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Gateway: gw,
		Config:  cfg,
		Now:     time.Now,
		locks:   newPostLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// postLocks serializes approval per post so only one payout attempt can be
// in flight for a bounty at a time.
type postLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newPostLocks() *postLocks {
	return &postLocks{m: make(map[string]*sync.Mutex)}
}

func (l *postLocks) lock(postID string) *sync.Mutex {
	l.mu.Lock()
	m, ok := l.m[postID]
	if !ok {
		m = &sync.Mutex{}
		l.m[postID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m
}

// CreatePost creates a Draft bounty post. The post becomes Public only
// through Reconcile after its publication payment is confirmed.
func (e Engine) CreatePost(ctx context.Context, creatorID, title, description string, price int64) (domain.BountyPost, error) {
	if strings.TrimSpace(title) == "" {
		return domain.BountyPost{}, fault.Validation("title", "must not be empty")
	}
	if strings.TrimSpace(description) == "" {
		return domain.BountyPost{}, fault.Validation("description", "must not be empty")
	}
	if price <= 0 {
		return domain.BountyPost{}, fault.Validation("bounty_price", "must be positive")
	}

	ts := e.nowRFC3339()
	p := domain.BountyPost{
		ID:          uuid.NewString(),
		CreatorID:   creatorID,
		Title:       title,
		Description: description,
		BountyPrice: price,
		Visibility:  domain.VisibilityDraft,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BountyPost{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPost(ctx, tx, p); err != nil {
		return domain.BountyPost{}, fmt.Errorf("insert post: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "post.created", "post", p.ID, creatorID, events.EventPayload{"bounty_price": p.BountyPrice}); err != nil {
		return domain.BountyPost{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BountyPost{}, err
	}
	return p, nil
}

// GetPost returns a post. Draft posts are visible only to their creator;
// anyone else gets NotFound, not Forbidden, so drafts don't leak existence.
func (e Engine) GetPost(ctx context.Context, id, requesterID string) (domain.BountyPost, error) {
	p, err := e.Repo.GetPost(ctx, id)
	if err != nil {
		return domain.BountyPost{}, err
	}
	if p.Visibility == domain.VisibilityDraft && p.CreatorID != requesterID {
		return domain.BountyPost{}, repo.ErrNotFound
	}
	return p, nil
}

// ListPublicPosts lists public posts, newest first.
func (e Engine) ListPublicPosts(ctx context.Context, limit int) ([]domain.BountyPost, error) {
	return e.Repo.ListPosts(ctx, repo.PostFilters{Visibility: domain.VisibilityPublic, Limit: limit})
}

// ListDrafts lists the requester's own draft posts.
func (e Engine) ListDrafts(ctx context.Context, creatorID string, limit int) ([]domain.BountyPost, error) {
	return e.Repo.ListPosts(ctx, repo.PostFilters{Visibility: domain.VisibilityDraft, CreatorID: creatorID, Limit: limit})
}

// DeletePost removes a post. Only the creator may delete, and never after a
// solution has been approved. Takes the same per-post lock as ApproveSolution
// so a delete cannot land while a payout for this bounty is in flight, and
// re-checks for an approved solution inside the delete transaction.
func (e Engine) DeletePost(ctx context.Context, id, requesterID string) error {
	p, err := e.Repo.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if p.CreatorID != requesterID {
		return fault.Forbidden("only the creator can delete a post")
	}

	mu := e.locks.lock(id)
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	approved, err := e.Repo.HasApprovedSolutionTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if approved {
		return fault.Conflict("post has an approved solution")
	}
	if err := e.Repo.DeletePostTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "post.deleted", "post", id, requesterID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Vote outcomes.
const (
	VoteApplied = "applied"
	VoteNoOp    = "noop"
)

// Vote records or flips a user's vote on a public post. A repeat vote in
// the same direction is a NoOp; a flip adjusts both counters and the
// membership row in one transaction.
func (e Engine) Vote(ctx context.Context, postID, userID, direction string) (string, error) {
	if direction != domain.VoteUp && direction != domain.VoteDown {
		return "", fault.Validation("direction", "must be up or down")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPostTx(ctx, tx, postID)
	if err != nil {
		return "", err
	}
	if p.Visibility != domain.VisibilityPublic {
		if p.CreatorID != userID {
			return "", repo.ErrNotFound
		}
		return "", fault.Conflict("post is not public")
	}

	cur, err := e.Repo.GetVoteTx(ctx, tx, postID, userID)
	switch {
	case err == nil:
		if cur.Direction == direction {
			return VoteNoOp, nil
		}
	case errors.Is(err, repo.ErrNotFound):
		cur = domain.Vote{}
	default:
		return "", err
	}

	ts := e.nowRFC3339()
	if err := e.Repo.UpsertVoteTx(ctx, tx, domain.Vote{PostID: postID, UserID: userID, Direction: direction, CreatedAt: ts}); err != nil {
		return "", err
	}

	dUp, dDown := 0, 0
	if direction == domain.VoteUp {
		dUp = 1
	} else {
		dDown = 1
	}
	switch cur.Direction {
	case domain.VoteUp:
		dUp--
	case domain.VoteDown:
		dDown--
	}
	if err := e.Repo.AdjustVoteCountsTx(ctx, tx, postID, dUp, dDown, ts); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", "post", postID, userID, events.EventPayload{"direction": direction}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return VoteApplied, nil
}

// CreatePublishSession starts a hosted checkout for the post's bounty
// price. Confirmation arrives later through Reconcile; nothing changes
// locally here.
func (e Engine) CreatePublishSession(ctx context.Context, postID, requesterID string) (gateway.CheckoutSession, error) {
	p, err := e.Repo.GetPost(ctx, postID)
	if err != nil {
		return gateway.CheckoutSession{}, err
	}
	if p.CreatorID != requesterID {
		return gateway.CheckoutSession{}, fault.Forbidden("only the creator can publish a post")
	}
	if p.Visibility == domain.VisibilityPublic {
		return gateway.CheckoutSession{}, fault.Conflict("post is already public")
	}

	return e.Gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		AmountMinor: p.BountyPrice,
		Currency:    e.Config.Payments.Currency,
		ItemName:    "Bounty: " + p.Title,
		SuccessURL:  e.redirectURL(postID, "payment-success"),
		CancelURL:   e.postURL(postID),
		Metadata: map[string]string{
			gateway.MetaPostID: postID,
			gateway.MetaKind:   domain.SessionKindPublish,
		},
	})
}

// CreateDonationSession starts a hosted checkout that tops up the post's
// bounty. Any caller may donate, including to drafts. The amount in the
// metadata is informational; Reconcile re-derives it from the gateway.
func (e Engine) CreateDonationSession(ctx context.Context, postID string, amountMinor int64) (gateway.CheckoutSession, error) {
	if amountMinor <= 0 {
		return gateway.CheckoutSession{}, fault.Validation("amount", "must be positive")
	}
	p, err := e.Repo.GetPost(ctx, postID)
	if err != nil {
		return gateway.CheckoutSession{}, err
	}

	return e.Gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		AmountMinor: amountMinor,
		Currency:    e.Config.Payments.Currency,
		ItemName:    "Donation: " + p.Title,
		SuccessURL:  e.redirectURL(postID, "donation-success"),
		CancelURL:   e.postURL(postID),
		Metadata: map[string]string{
			gateway.MetaPostID: postID,
			gateway.MetaKind:   domain.SessionKindDonation,
			gateway.MetaAmount: strconv.FormatInt(amountMinor, 10),
		},
	})
}

func (e Engine) apiBase() string {
	return strings.TrimRight(e.Config.Server.BaseURL, "/") + e.Config.Server.BasePath
}

func (e Engine) postURL(postID string) string {
	return e.apiBase() + "/posts/" + postID
}

// redirectURL carries the gateway's session-id placeholder so the redirect
// path can reconcile with the same id the webhook will carry.
func (e Engine) redirectURL(postID, leaf string) string {
	return e.postURL(postID) + "/" + leaf + "?session_id={CHECKOUT_SESSION_ID}"
}

// Reconcile outcomes.
const (
	OutcomeApplied          = "applied"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeRejected         = "rejected"
)

// ReconcileResult reports what Reconcile did for a session.
type ReconcileResult struct {
	Outcome string `json:"outcome" enum:"applied,already_processed,rejected"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"kind,omitempty"`
	PostID  string `json:"post_id,omitempty"`
	Amount  int64  `json:"amount,omitempty"`
}

func rejected(reason string) ReconcileResult {
	return ReconcileResult{Outcome: OutcomeRejected, Reason: reason}
}

// Reconcile applies the outcome of one checkout session exactly once. The
// redirect path and the webhook path both land here; whichever commits
// first wins and the other observes AlreadyProcessed. Gateway failures
// return an error with no state committed, safe to retry.
func (e Engine) Reconcile(ctx context.Context, sessionID string) (ReconcileResult, error) {
	if sessionID == "" {
		return ReconcileResult{}, fault.Validation("session_id", "must not be empty")
	}

	// Fast path; the authoritative guard is the insert below.
	processed, err := e.Repo.IsProcessed(ctx, sessionID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if processed {
		return ReconcileResult{Outcome: OutcomeAlreadyProcessed}, nil
	}

	sess, err := e.Gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if sess.PaymentStatus != gateway.PaymentStatusPaid {
		return rejected("payment not completed"), nil
	}

	postID := sess.Metadata[gateway.MetaPostID]
	if postID == "" {
		return rejected("session has no post metadata"), nil
	}
	kind := sess.Metadata[gateway.MetaKind]

	// Money is never trusted from metadata. Re-derive the donation amount
	// from the payment object before opening the transaction.
	var amount int64
	if kind == domain.SessionKindDonation {
		amount, err = e.Gateway.RetrievePaymentAmount(ctx, sess.PaymentIntent)
		if err != nil {
			return ReconcileResult{}, err
		}
		if amount <= 0 {
			return rejected("payment amount unavailable"), nil
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPostTx(ctx, tx, postID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rejected("post not found"), nil
		}
		return ReconcileResult{}, err
	}

	ts := e.nowRFC3339()
	var evtType string
	payload := events.EventPayload{"session_id": sessionID}

	switch kind {
	case domain.SessionKindPublish:
		// Idempotent: a replay of setPublic is harmless either way.
		if _, err := e.Repo.SetPublicTx(ctx, tx, postID, ts); err != nil {
			return ReconcileResult{}, err
		}
		evtType = "post.published"
	case domain.SessionKindDonation:
		if err := e.Repo.TopUpTx(ctx, tx, postID, amount, ts); err != nil {
			return ReconcileResult{}, err
		}
		evtType = "donation.applied"
		payload["amount"] = amount
	default:
		return rejected("unknown session kind"), nil
	}

	// The ledger insert rides the same transaction as the mutation. Losing
	// the insert race means another path already committed this session;
	// roll back and report AlreadyProcessed.
	ok, err := e.Repo.MarkProcessedTx(ctx, tx, sessionID, ts)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !ok {
		return ReconcileResult{Outcome: OutcomeAlreadyProcessed}, nil
	}

	if err := e.Events.Append(ctx, tx, evtType, "post", postID, "gateway", payload); err != nil {
		return ReconcileResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, err
	}
	return ReconcileResult{Outcome: OutcomeApplied, Kind: kind, PostID: postID, Amount: amount}, nil
}

// SubmitSolution records a proposed solution against a public post.
func (e Engine) SubmitSolution(ctx context.Context, postID, submitterID, content string) (domain.Solution, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Solution{}, fault.Validation("content", "must not be empty")
	}
	p, err := e.Repo.GetPost(ctx, postID)
	if err != nil {
		return domain.Solution{}, err
	}
	if p.Visibility != domain.VisibilityPublic {
		if p.CreatorID != submitterID {
			return domain.Solution{}, repo.ErrNotFound
		}
		return domain.Solution{}, fault.Validation("post_id", "post is not public")
	}
	approved, err := e.Repo.HasApprovedSolution(ctx, postID)
	if err != nil {
		return domain.Solution{}, err
	}
	if approved {
		return domain.Solution{}, fault.Conflict("bounty already has an approved solution")
	}

	s := domain.Solution{
		ID:           uuid.NewString(),
		BountyPostID: postID,
		SubmitterID:  submitterID,
		Content:      content,
		CreatedAt:    e.nowRFC3339(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Solution{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSolutionTx(ctx, tx, s); err != nil {
		return domain.Solution{}, fmt.Errorf("insert solution: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "solution.submitted", "solution", s.ID, submitterID, events.EventPayload{"post_id": postID}); err != nil {
		return domain.Solution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Solution{}, err
	}
	return s, nil
}

// ListSolutions lists a post's solutions, applying the same visibility gate
// as GetPost.
func (e Engine) ListSolutions(ctx context.Context, postID, requesterID string, limit int) ([]domain.Solution, error) {
	if _, err := e.GetPost(ctx, postID, requesterID); err != nil {
		return nil, err
	}
	return e.Repo.ListSolutionsByPost(ctx, postID, limit)
}

// ApproveSolution marks a solution as the bounty's single winner and pays
// out the bounty price to the submitter's linked account. The payout runs
// before the approval is persisted: an unpaid approval is worse than a
// retryable payout. Per-post locking keeps one payout in flight at a time;
// the conditional UPDATE is the backstop if a second process slips through.
func (e Engine) ApproveSolution(ctx context.Context, solutionID, requesterID string) (domain.Solution, error) {
	sol, err := e.Repo.GetSolution(ctx, solutionID)
	if err != nil {
		return domain.Solution{}, err
	}

	mu := e.locks.lock(sol.BountyPostID)
	defer mu.Unlock()

	// Re-read under the lock; a concurrent approval may have landed.
	sol, err = e.Repo.GetSolution(ctx, solutionID)
	if err != nil {
		return domain.Solution{}, err
	}
	p, err := e.Repo.GetPost(ctx, sol.BountyPostID)
	if err != nil {
		return domain.Solution{}, err
	}
	if p.CreatorID != requesterID {
		return domain.Solution{}, fault.Forbidden("only the post creator can approve a solution")
	}
	if sol.Approved {
		return domain.Solution{}, fault.Conflict("solution already approved")
	}
	approved, err := e.Repo.HasApprovedSolution(ctx, sol.BountyPostID)
	if err != nil {
		return domain.Solution{}, err
	}
	if approved {
		return domain.Solution{}, fault.Conflict("bounty already has an approved solution")
	}

	acct, err := e.Repo.GetPayoutAccount(ctx, sol.SubmitterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Solution{}, fault.Validation("submitter", "submitter has no payout account")
		}
		return domain.Solution{}, err
	}

	payoutID, err := e.Gateway.CreatePayout(ctx, acct.AccountRef, p.BountyPrice, e.Config.Payments.Currency)
	if err != nil {
		return domain.Solution{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Solution{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ApproveSolutionTx(ctx, tx, solutionID, sol.BountyPostID)
	if err != nil {
		return domain.Solution{}, err
	}
	if !ok {
		// Paid but lost the persistence race. The lock makes this path
		// unreachable in-process; log it loudly if it ever fires.
		log.Printf("approve solution %s: payout %s issued but approval lost the race", solutionID, payoutID)
		return domain.Solution{}, fault.Conflict("bounty already has an approved solution")
	}
	if err := e.Events.Append(ctx, tx, "solution.approved", "solution", solutionID, requesterID, events.EventPayload{
		"post_id":   sol.BountyPostID,
		"payout_id": payoutID,
		"amount":    p.BountyPrice,
	}); err != nil {
		return domain.Solution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Solution{}, err
	}
	sol.Approved = true
	return sol, nil
}

// LinkPayoutAccount records the gateway account reference payouts for this
// user are sent to. Relinking overwrites the previous reference.
func (e Engine) LinkPayoutAccount(ctx context.Context, userID, accountRef string) (domain.PayoutAccount, error) {
	if strings.TrimSpace(accountRef) == "" {
		return domain.PayoutAccount{}, fault.Validation("account_ref", "must not be empty")
	}
	acct := domain.PayoutAccount{
		UserID:     userID,
		AccountRef: accountRef,
		CreatedAt:  e.nowRFC3339(),
	}
	if err := e.Repo.UpsertPayoutAccount(ctx, acct); err != nil {
		return domain.PayoutAccount{}, err
	}
	return acct, nil
}
