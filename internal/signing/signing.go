// Package signing computes and verifies the X-Webhook-Signature header.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// Header is the request header carrying the signature.
	Header = "X-Webhook-Signature"
	prefix = "sha256="
)

// Sign returns "sha256=<hex>" of HMAC-SHA-256(secret, body). Callers must pass
// the exact bytes they put on the wire.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(body []byte, secret, header string) bool {
	if secret == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
