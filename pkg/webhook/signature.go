// Package webhook implements payload construction, enqueueing, and the
// at-least-once delivery engine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload HMAC on every delivery.
const SignatureHeader = "X-Webhook-Signature"

// Sign computes the signature header value for a payload body:
// "sha256=" followed by the hex HMAC-SHA256 of the body under the
// subscription secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
// Exported for consumers building endpoint-side verification.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
