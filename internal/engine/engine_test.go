package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bountyboard/internal/config"
	"bountyboard/internal/db"
	"bountyboard/internal/domain"
	"bountyboard/internal/engine"
	"bountyboard/internal/engine/fault"
	"bountyboard/internal/gateway"
	"bountyboard/internal/migrate"
	"bountyboard/internal/repo"
)

// fakeGateway is an in-memory payment provider. Sessions are seeded by
// tests; payouts are recorded for assertions. When the stall channels are
// set, CreatePayout signals payoutStarted and blocks until payoutRelease is
// closed, letting tests hold a payout in flight.
type fakeGateway struct {
	mu            sync.Mutex
	sessions      map[string]gateway.Session
	amounts       map[string]int64
	payouts       []fakePayout
	down          bool
	payoutStarted chan struct{}
	payoutRelease chan struct{}
}

type fakePayout struct {
	Destination string
	Amount      int64
	Currency    string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: make(map[string]gateway.Session),
		amounts:  make(map[string]int64),
	}
}

func (g *fakeGateway) seedPaidSession(id, postID, kind string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intentID := "pi_" + id
	g.sessions[id] = gateway.Session{
		ID:            id,
		PaymentStatus: gateway.PaymentStatusPaid,
		PaymentIntent: intentID,
		Metadata: map[string]string{
			gateway.MetaPostID: postID,
			gateway.MetaKind:   kind,
		},
	}
	g.amounts[intentID] = amount
}

func (g *fakeGateway) setPaymentStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[id]
	s.PaymentStatus = status
	g.sessions[id] = s
}

func (g *fakeGateway) payoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payouts)
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return gateway.CheckoutSession{}, &gateway.Error{Op: "create session", Status: 503, Msg: "unavailable"}
	}
	id := fmt.Sprintf("cs_%d", len(g.sessions)+1)
	intentID := "pi_" + id
	g.sessions[id] = gateway.Session{
		ID:            id,
		PaymentStatus: "unpaid",
		PaymentIntent: intentID,
		Metadata:      params.Metadata,
	}
	g.amounts[intentID] = params.AmountMinor
	return gateway.CheckoutSession{ID: id, URL: "https://pay.example/" + id}, nil
}

func (g *fakeGateway) RetrieveSession(ctx context.Context, sessionID string) (gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return gateway.Session{}, &gateway.Error{Op: "retrieve session", Status: 503, Msg: "unavailable"}
	}
	s, ok := g.sessions[sessionID]
	if !ok {
		return gateway.Session{}, &gateway.Error{Op: "retrieve session", Status: 404, Msg: "no such session"}
	}
	return s, nil
}

func (g *fakeGateway) RetrievePaymentAmount(ctx context.Context, paymentIntentID string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return 0, &gateway.Error{Op: "retrieve payment", Status: 503, Msg: "unavailable"}
	}
	return g.amounts[paymentIntentID], nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, destination string, amountMinor int64, currency string) (string, error) {
	g.mu.Lock()
	down := g.down
	started, release := g.payoutStarted, g.payoutRelease
	g.mu.Unlock()
	if down {
		return "", &gateway.Error{Op: "create payout", Status: 503, Msg: "unavailable"}
	}
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, fakePayout{Destination: destination, Amount: amountMinor, Currency: currency})
	return fmt.Sprintf("po_%d", len(g.payouts)), nil
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := newFakeGateway()
	eng := engine.New(conn, config.Default(), gw)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Gateway: gw, Ctx: context.Background()}
}

func mustCreatePost(t *testing.T, env testEnv, creator string, price int64) domain.BountyPost {
	t.Helper()
	p, err := env.Engine.CreatePost(env.Ctx, creator, "Fix the thing", "It is broken.", price)
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func mustPublish(t *testing.T, env testEnv, postID string) {
	t.Helper()
	sessionID := "cs_pub_" + postID
	env.Gateway.seedPaidSession(sessionID, postID, domain.SessionKindPublish, 0)
	res, err := env.Engine.Reconcile(env.Ctx, sessionID)
	if err != nil {
		t.Fatalf("publish reconcile: %v", err)
	}
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("publish reconcile outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestCreatePostValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		title, desc string
		price       int64
	}{
		{"", "desc", 100},
		{"title", "", 100},
		{"title", "desc", 0},
		{"title", "desc", -5},
	}
	for _, c := range cases {
		_, err := env.Engine.CreatePost(env.Ctx, "alice", c.title, c.desc, c.price)
		var ve fault.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("create(%q,%q,%d): got %v, want ValidationError", c.title, c.desc, c.price, err)
		}
	}

	p := mustCreatePost(t, env, "alice", 5000)
	if p.Visibility != domain.VisibilityDraft {
		t.Fatalf("new post visibility = %s, want draft", p.Visibility)
	}
	if p.BountyPrice != 5000 {
		t.Fatalf("bounty price = %d", p.BountyPrice)
	}
}

func TestDraftVisibleOnlyToCreator(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)

	if _, err := env.Engine.GetPost(env.Ctx, p.ID, "alice"); err != nil {
		t.Fatalf("creator get: %v", err)
	}
	if _, err := env.Engine.GetPost(env.Ctx, p.ID, "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stranger get: got %v, want ErrNotFound", err)
	}
	if _, err := env.Engine.GetPost(env.Ctx, p.ID, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("anonymous get: got %v, want ErrNotFound", err)
	}

	pub, err := env.Engine.ListPublicPosts(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pub) != 0 {
		t.Fatalf("draft leaked into public listing")
	}
	drafts, err := env.Engine.ListDrafts(env.Ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
}

func TestPublishReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	sessionID := "cs_1"
	env.Gateway.seedPaidSession(sessionID, p.ID, domain.SessionKindPublish, 0)

	res, err := env.Engine.Reconcile(env.Ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("first reconcile = %s", res.Outcome)
	}

	for i := 0; i < 3; i++ {
		res, err = env.Engine.Reconcile(env.Ctx, sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != engine.OutcomeAlreadyProcessed {
			t.Fatalf("replay %d = %s, want already_processed", i, res.Outcome)
		}
	}

	got, err := env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if err != nil {
		t.Fatalf("public post should be visible to anyone: %v", err)
	}
	if got.Visibility != domain.VisibilityPublic {
		t.Fatalf("visibility = %s, want public", got.Visibility)
	}
	if got.BountyPrice != 5000 {
		t.Fatalf("publish must not change the price: %d", got.BountyPrice)
	}
}

func TestReconcileUnpaidRejectedThenPaid(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	env.Gateway.seedPaidSession("cs_1", p.ID, domain.SessionKindPublish, 0)
	env.Gateway.setPaymentStatus("cs_1", "unpaid")

	res, err := env.Engine.Reconcile(env.Ctx, "cs_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Fatalf("unpaid reconcile = %s, want rejected", res.Outcome)
	}

	// A rejection leaves no ledger entry, so the session can still settle.
	env.Gateway.setPaymentStatus("cs_1", gateway.PaymentStatusPaid)
	res, err = env.Engine.Reconcile(env.Ctx, "cs_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("paid reconcile = %s, want applied", res.Outcome)
	}
}

func TestReconcileRejectsOrphansAndUnknownKinds(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.seedPaidSession("cs_orphan", "no-such-post", domain.SessionKindPublish, 0)
	res, err := env.Engine.Reconcile(env.Ctx, "cs_orphan")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Fatalf("orphan session = %s, want rejected", res.Outcome)
	}

	p := mustCreatePost(t, env, "alice", 5000)
	env.Gateway.seedPaidSession("cs_weird", p.ID, "refund", 0)
	res, err = env.Engine.Reconcile(env.Ctx, "cs_weird")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeRejected {
		t.Fatalf("unknown kind = %s, want rejected", res.Outcome)
	}
}

func TestDonationAmountIsAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)

	// Metadata claims a different amount than the payment object; only the
	// payment object counts.
	env.Gateway.seedPaidSession("cs_don", p.ID, domain.SessionKindDonation, 500)
	env.Gateway.mu.Lock()
	s := env.Gateway.sessions["cs_don"]
	s.Metadata[gateway.MetaAmount] = "999999"
	env.Gateway.sessions["cs_don"] = s
	env.Gateway.mu.Unlock()

	res, err := env.Engine.Reconcile(env.Ctx, "cs_don")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeApplied || res.Amount != 500 {
		t.Fatalf("donation reconcile = %+v", res)
	}

	got, _ := env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.BountyPrice != 5500 {
		t.Fatalf("bounty after donation = %d, want 5500", got.BountyPrice)
	}
}

func TestConcurrentReconcileSingleTopUp(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)
	env.Gateway.seedPaidSession("cs_don", p.ID, domain.SessionKindDonation, 700)

	const n = 8
	outcomes := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.Engine.Reconcile(env.Ctx, "cs_don")
			outcomes[i] = res.Outcome
			errs[i] = err
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("reconcile %d: %v", i, errs[i])
		}
		switch outcomes[i] {
		case engine.OutcomeApplied:
			applied++
		case engine.OutcomeAlreadyProcessed:
		default:
			t.Fatalf("reconcile %d outcome = %s", i, outcomes[i])
		}
	}
	if applied != 1 {
		t.Fatalf("applied %d times, want exactly 1", applied)
	}

	got, _ := env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.BountyPrice != 5700 {
		t.Fatalf("bounty = %d, want 5700 (single top-up)", got.BountyPrice)
	}
}

func TestGatewayDownCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	env.Gateway.seedPaidSession("cs_1", p.ID, domain.SessionKindPublish, 0)

	env.Gateway.mu.Lock()
	env.Gateway.down = true
	env.Gateway.mu.Unlock()

	_, err := env.Engine.Reconcile(env.Ctx, "cs_1")
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("got %v, want gateway.Error", err)
	}

	env.Gateway.mu.Lock()
	env.Gateway.down = false
	env.Gateway.mu.Unlock()

	// Nothing was committed, so the retry applies normally.
	res, err := env.Engine.Reconcile(env.Ctx, "cs_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("retry = %s, want applied", res.Outcome)
	}
}

func TestVoteExclusivityAndFlip(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)

	out, err := env.Engine.Vote(env.Ctx, p.ID, "bob", domain.VoteUp)
	if err != nil || out != engine.VoteApplied {
		t.Fatalf("first vote: %s %v", out, err)
	}
	out, err = env.Engine.Vote(env.Ctx, p.ID, "bob", domain.VoteUp)
	if err != nil || out != engine.VoteNoOp {
		t.Fatalf("repeat vote: %s %v", out, err)
	}

	got, _ := env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.Upvotes != 1 || got.Downvotes != 0 {
		t.Fatalf("after up: %d/%d", got.Upvotes, got.Downvotes)
	}

	// Flip moves the vote, conserving total membership.
	out, err = env.Engine.Vote(env.Ctx, p.ID, "bob", domain.VoteDown)
	if err != nil || out != engine.VoteApplied {
		t.Fatalf("flip: %s %v", out, err)
	}
	got, _ = env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.Upvotes != 0 || got.Downvotes != 1 {
		t.Fatalf("after flip: %d/%d", got.Upvotes, got.Downvotes)
	}

	if _, err := env.Engine.Vote(env.Ctx, p.ID, "carol", domain.VoteDown); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.Upvotes != 0 || got.Downvotes != 2 {
		t.Fatalf("two downvotes: %d/%d", got.Upvotes, got.Downvotes)
	}

	_, err = env.Engine.Vote(env.Ctx, p.ID, "bob", "sideways")
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("bad direction: got %v, want ValidationError", err)
	}
}

func TestConcurrentVotesLoseNoCounts(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Vote(env.Ctx, p.ID, fmt.Sprintf("user-%d", i), domain.VoteUp)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	got, _ := env.Engine.GetPost(env.Ctx, p.ID, "bob")
	if got.Upvotes != n {
		t.Fatalf("upvotes = %d, want %d", got.Upvotes, n)
	}
}

func TestSubmitSolutionGates(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)

	// Draft posts take no solutions; strangers can't even see them.
	if _, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "done it"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stranger on draft: got %v, want ErrNotFound", err)
	}
	_, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "alice", "done it")
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("creator on draft: got %v, want ValidationError", err)
	}

	mustPublish(t, env, p.ID)
	if _, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "  "); !errors.As(err, &ve) {
		t.Fatalf("empty content: got %v, want ValidationError", err)
	}
	s, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "done it")
	if err != nil {
		t.Fatal(err)
	}
	if s.Approved {
		t.Fatal("new solution must not be approved")
	}

	items, err := env.Engine.ListSolutions(env.Ctx, p.ID, "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("solutions = %d, want 1", len(items))
	}
}

func TestApproveSolutionPaysOutOnce(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)
	s1, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "solution one")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "carol", "solution two")
	if err != nil {
		t.Fatal(err)
	}

	// Approval needs a payout destination.
	_, err = env.Engine.ApproveSolution(env.Ctx, s1.ID, "alice")
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("no payout account: got %v, want ValidationError", err)
	}
	if _, err := env.Engine.LinkPayoutAccount(env.Ctx, "bob", "acct_bob"); err != nil {
		t.Fatal(err)
	}

	// Only the creator approves.
	_, err = env.Engine.ApproveSolution(env.Ctx, s1.ID, "bob")
	var fe fault.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("non-creator approve: got %v, want ForbiddenError", err)
	}

	approved, err := env.Engine.ApproveSolution(env.Ctx, s1.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !approved.Approved {
		t.Fatal("solution not marked approved")
	}
	if n := env.Gateway.payoutCount(); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	env.Gateway.mu.Lock()
	po := env.Gateway.payouts[0]
	env.Gateway.mu.Unlock()
	if po.Destination != "acct_bob" || po.Amount != 5000 {
		t.Fatalf("payout = %+v", po)
	}

	// The bounty is over: no re-approval of either solution.
	var ce fault.ConflictError
	if _, err := env.Engine.ApproveSolution(env.Ctx, s1.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("re-approve winner: got %v, want ConflictError", err)
	}
	if _, err := env.Engine.LinkPayoutAccount(env.Ctx, "carol", "acct_carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveSolution(env.Ctx, s2.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("approve second solution: got %v, want ConflictError", err)
	}
	if n := env.Gateway.payoutCount(); n != 1 {
		t.Fatalf("payouts after conflicts = %d, want 1", n)
	}

	// Nor late submissions or deletion.
	if _, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "dave", "too late"); !errors.As(err, &ce) {
		t.Fatalf("submit after approval: got %v, want ConflictError", err)
	}
	if err := env.Engine.DeletePost(env.Ctx, p.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("delete after approval: got %v, want ConflictError", err)
	}
}

func TestConcurrentApproveSinglePayout(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)

	var ids []string
	for _, u := range []string{"bob", "carol"} {
		s, err := env.Engine.SubmitSolution(env.Ctx, p.ID, u, "work by "+u)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
		if _, err := env.Engine.LinkPayoutAccount(env.Ctx, u, "acct_"+u); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApproveSolution(env.Ctx, id, "alice")
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			var ce fault.ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("approve %d: got %v, want nil or ConflictError", i, err)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if n := env.Gateway.payoutCount(); n != 1 {
		t.Fatalf("payouts = %d, want exactly 1", n)
	}
}

func TestDeleteWaitsForInFlightPayout(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)
	s, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "done it")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkPayoutAccount(env.Ctx, "bob", "acct_bob"); err != nil {
		t.Fatal(err)
	}

	env.Gateway.mu.Lock()
	env.Gateway.payoutStarted = make(chan struct{})
	env.Gateway.payoutRelease = make(chan struct{})
	env.Gateway.mu.Unlock()

	approveErr := make(chan error, 1)
	go func() {
		_, err := env.Engine.ApproveSolution(env.Ctx, s.ID, "alice")
		approveErr <- err
	}()
	<-env.Gateway.payoutStarted

	deleteErr := make(chan error, 1)
	go func() {
		deleteErr <- env.Engine.DeletePost(env.Ctx, p.ID, "alice")
	}()

	// The payout is in flight; the delete must be parked on the post lock.
	select {
	case err := <-deleteErr:
		t.Fatalf("delete completed during payout: err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(env.Gateway.payoutRelease)
	if err := <-approveErr; err != nil {
		t.Fatalf("approve: %v", err)
	}
	var ce fault.ConflictError
	if err := <-deleteErr; !errors.As(err, &ce) {
		t.Fatalf("delete after approval: got %v, want ConflictError", err)
	}

	if n := env.Gateway.payoutCount(); n != 1 {
		t.Fatalf("payouts = %d, want 1", n)
	}
	if _, err := env.Engine.GetPost(env.Ctx, p.ID, "carol"); err != nil {
		t.Fatalf("paid-out post must survive: %v", err)
	}
	winner, err := env.Engine.Repo.GetSolution(env.Ctx, s.ID)
	if err != nil || !winner.Approved {
		t.Fatalf("winner = %+v (%v)", winner, err)
	}
}

func TestDeletePostAuthorization(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)

	var fe fault.ForbiddenError
	if err := env.Engine.DeletePost(env.Ctx, p.ID, "bob"); !errors.As(err, &fe) {
		t.Fatalf("stranger delete: got %v, want ForbiddenError", err)
	}
	if err := env.Engine.DeletePost(env.Ctx, p.ID, "alice"); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if err := env.Engine.DeletePost(env.Ctx, p.ID, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestCheckoutSessionCreation(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)

	var fe fault.ForbiddenError
	if _, err := env.Engine.CreatePublishSession(env.Ctx, p.ID, "bob"); !errors.As(err, &fe) {
		t.Fatalf("stranger checkout: got %v, want ForbiddenError", err)
	}

	sess, err := env.Engine.CreatePublishSession(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" || sess.URL == "" {
		t.Fatalf("checkout session = %+v", sess)
	}

	// Donations are open to anyone, drafts included.
	if _, err := env.Engine.CreateDonationSession(env.Ctx, p.ID, 250); err != nil {
		t.Fatalf("donation session: %v", err)
	}
	var ve fault.ValidationError
	if _, err := env.Engine.CreateDonationSession(env.Ctx, p.ID, 0); !errors.As(err, &ve) {
		t.Fatalf("zero donation: got %v, want ValidationError", err)
	}

	mustPublish(t, env, p.ID)
	var ce fault.ConflictError
	if _, err := env.Engine.CreatePublishSession(env.Ctx, p.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("checkout on public post: got %v, want ConflictError", err)
	}
}

func TestEventLogRecordsMutations(t *testing.T) {
	env := newTestEnv(t)
	p := mustCreatePost(t, env, "alice", 5000)
	mustPublish(t, env, p.ID)
	env.Gateway.seedPaidSession("cs_don", p.ID, domain.SessionKindDonation, 100)
	if _, err := env.Engine.Reconcile(env.Ctx, "cs_don"); err != nil {
		t.Fatal(err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "post", p.ID)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{"post.created", "post.published", "donation.applied"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
