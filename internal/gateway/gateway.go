// Package gateway talks to the external payment provider. The provider is
// the single source of truth for payment state: the engine never trusts
// client-supplied amounts and re-reads the session object at reconcile time.
package gateway

import (
	"context"
	"fmt"
)

// PaymentStatusPaid is the session payment status required before any local
// state change is applied.
const PaymentStatusPaid = "paid"

// Metadata keys stamped onto checkout sessions at creation time and read
// back during reconciliation.
const (
	MetaPostID = "post_id"
	MetaKind   = "kind"
	MetaAmount = "amount"
)

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	AmountMinor int64
	Currency    string
	ItemName    string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CheckoutSession is the created session: an opaque id and the hosted URL
// the payer is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// Session is the provider's view of a checkout session at retrieval time.
type Session struct {
	ID            string
	PaymentStatus string
	PaymentIntent string
	Metadata      map[string]string
}

// Gateway is the payment collaborator. Implementations must honor the
// context deadline; the engine treats any returned *Error as transient and
// commits no state for it.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (Session, error)
	RetrievePaymentAmount(ctx context.Context, paymentIntentID string) (int64, error)
	CreatePayout(ctx context.Context, destination string, amountMinor int64, currency string) (string, error)
}

// Error wraps a gateway failure. Safe to retry; no local state is committed
// when one is returned.
type Error struct {
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }
