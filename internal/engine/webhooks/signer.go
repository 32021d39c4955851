package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the hex HMAC-SHA256 of payload keyed by
// secret. An optional "sha256=" prefix (GitHub style) is accepted.
func Verify(payload []byte, signature, secret string) bool {
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil || len(decoded) == 0 {
		return false
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), decoded)
}
