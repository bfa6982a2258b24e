// Package auth implements the agent message signature scheme mandated by
// §4.2: every inbound Envelope is signed over "TIMESTAMP:PAYLOAD" with the
// host's Ed25519 key, and the control plane rejects signatures whose
// timestamp falls outside a configurable clock-skew window. This uses
// crypto/ed25519 directly rather than a third-party package — the spec
// names the primitive, and no library in the retrieval pack adds anything
// over the stdlib implementation for a single sign/verify operation (see
// DESIGN.md).
package auth

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"
)

// SigningDomain builds the exact byte sequence that is signed and
// verified: the decimal Unix timestamp, a colon, then the raw payload
// bytes (§4.2).
func SigningDomain(timestamp time.Time, payload []byte) []byte {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	domain := make([]byte, 0, len(ts)+1+len(payload))
	domain = append(domain, ts...)
	domain = append(domain, ':')
	domain = append(domain, payload...)
	return domain
}

// Sign signs payload as of timestamp with the given Ed25519 private key.
func Sign(priv ed25519.PrivateKey, timestamp time.Time, payload []byte) []byte {
	return ed25519.Sign(priv, SigningDomain(timestamp, payload))
}

// Verify checks that signature is a valid Ed25519 signature over payload
// as of timestamp under pub, and that timestamp falls within skew of now.
// A skew of zero disables the clock check (used in tests only).
func Verify(pub ed25519.PublicKey, timestamp time.Time, payload, signature []byte, now time.Time, skew time.Duration) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("auth: invalid public key length %d", len(pub))
	}
	if skew > 0 {
		delta := now.Sub(timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > skew {
			return fmt.Errorf("auth: timestamp %s outside clock skew window of %s", timestamp, skew)
		}
	}
	if !ed25519.Verify(pub, SigningDomain(timestamp, payload), signature) {
		return fmt.Errorf("auth: signature verification failed")
	}
	return nil
}
