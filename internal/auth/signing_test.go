package auth

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	now := time.Now()
	payload := []byte(`{"host_id":"h1"}`)
	sig := Sign(priv, now, payload)

	if err := Verify(pub, now, payload, sig, now, 30*time.Second); err != nil {
		t.Fatalf("expected valid signature, got: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	sig := Sign(priv, now, []byte("original"))

	if err := Verify(pub, now, []byte("tampered"), sig, now, 30*time.Second); err == nil {
		t.Fatal("expected verification failure for tampered payload")
	}
}

func TestVerifyRejectsOutsideClockSkew(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signedAt := time.Now().Add(-5 * time.Minute)
	payload := []byte("heartbeat")
	sig := Sign(priv, signedAt, payload)

	if err := Verify(pub, signedAt, payload, sig, time.Now(), 30*time.Second); err == nil {
		t.Fatal("expected rejection for timestamp outside clock skew window")
	}
}

func TestVerifyZeroSkewDisablesClockCheck(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	signedAt := time.Now().Add(-24 * time.Hour)
	payload := []byte("heartbeat")
	sig := Sign(priv, signedAt, payload)

	if err := Verify(pub, signedAt, payload, sig, time.Now(), 0); err != nil {
		t.Fatalf("expected zero skew to disable clock check, got: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	payload := []byte("data")
	sig := Sign(priv, now, payload)

	if err := Verify(otherPub, now, payload, sig, now, 30*time.Second); err == nil {
		t.Fatal("expected verification failure under the wrong public key")
	}
}
