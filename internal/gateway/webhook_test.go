package gateway

import (
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	secret := "whsec_test"
	now := time.Unix(1700000000, 0)

	header := SignHeader(payload, secret, now.Unix())
	if err := VerifySignature(payload, header, secret, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := VerifySignature(payload, header, "whsec_other", now); err != ErrBadSignature {
		t.Fatalf("wrong secret: got %v, want ErrBadSignature", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'x'
	if err := VerifySignature(tampered, header, secret, now); err != ErrBadSignature {
		t.Fatalf("tampered payload: got %v, want ErrBadSignature", err)
	}

	stale := now.Add(SignatureTolerance + time.Minute)
	if err := VerifySignature(payload, header, secret, stale); err != ErrStaleSignature {
		t.Fatalf("stale timestamp: got %v, want ErrStaleSignature", err)
	}

	if err := VerifySignature(payload, "v1=deadbeef", secret, now); err != ErrMalformedHeader {
		t.Fatalf("missing timestamp: got %v, want ErrMalformedHeader", err)
	}
}

func TestParseWebhookEvent(t *testing.T) {
	evt, err := ParseWebhookEvent([]byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_42"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Type != EventCheckoutCompleted {
		t.Fatalf("type = %q", evt.Type)
	}
	if evt.Data.Object.ID != "cs_42" {
		t.Fatalf("object id = %q", evt.Data.Object.ID)
	}

	if _, err := ParseWebhookEvent([]byte(`{}`)); err == nil {
		t.Fatal("expected error for event without type")
	}
}
