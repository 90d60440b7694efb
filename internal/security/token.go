package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// FingerprintLength bounds how much of a token digest is persisted.
const FingerprintLength = 16

// FingerprintToken returns a bounded prefix of the token's SHA-256
// digest. Only this fingerprint is ever stored, never the token.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// NewOpaqueToken returns a 64-hex-char random token for email
// verification and password reset flows.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GetCookie reads a named cookie value, returning "" when absent.
func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
