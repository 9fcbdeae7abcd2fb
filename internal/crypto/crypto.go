// Package crypto implements request signing primitives: Ed25519 keys and
// signatures, the canonical request digest, timestamp freshness checks and
// canonical JSON hashing for acceptance criteria.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateKeypair returns a fresh Ed25519 keypair hex-encoded.
func GenerateKeypair() (publicHex, privateHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}

// BuildSignatureMessage produces the canonical byte string a client must
// sign: the request timestamp, HTTP method, path, and the SHA-256 of the
// raw body, newline-joined. An empty body hashes as the empty string.
func BuildSignatureMessage(timestamp, method, path string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("%s\n%s\n%s\n%s", timestamp, method, path, hex.EncodeToString(sum[:])))
}

// Sign signs a message with a hex-encoded Ed25519 private key.
func Sign(privateHex string, message []byte) (string, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	sig := ed25519.Sign(ed25519.PrivateKey(raw), message)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature over message with a hex public key.
// Any decode or length failure verifies false; it never panics or errors
// on malformed input.
func Verify(publicHex string, message []byte, signatureHex string) bool {
	pub, err := hex.DecodeString(publicHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// WebhookSignature computes the HMAC-SHA256 a webhook receiver verifies:
// the envelope timestamp and the compact body, dot-joined, keyed by the
// agent's webhook secret.
func WebhookSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// TimestampFresh parses an RFC 3339 timestamp and reports whether it lies
// within maxAge of now in either direction. Timestamps without an explicit
// offset fail the parse and are rejected.
func TimestampFresh(timestamp string, now time.Time, maxAge time.Duration) bool {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false
	}
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= maxAge
}
