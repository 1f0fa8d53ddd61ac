package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DisplayPrefixLen is how many leading characters of a raw token are kept for display.
const DisplayPrefixLen = 12

// Hasher turns raw tokens into the one-way digests stored with credentials.
// With a pepper it uses HMAC-SHA256, so a leaked table cannot be checked
// against guessed tokens without the server secret.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher; an empty pepper selects plain SHA-256.
func NewHasher(pepper string) *Hasher {
	h := &Hasher{}
	if pepper != "" {
		h.pepper = []byte(pepper)
	}
	return h
}

// Hash returns the hex digest of token.
func (h *Hasher) Hash(token string) string {
	if h.pepper == nil {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares token against a stored digest in constant time.
func (h *Hasher) Matches(storedHash, token string) bool {
	computed := h.Hash(token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}

// Prefix returns the display prefix of a raw token.
func Prefix(token string) string {
	if len(token) <= DisplayPrefixLen {
		return token
	}
	return token[:DisplayPrefixLen]
}

// GenerateToken returns a new random token: prefix followed by 32 random
// bytes in URL-safe base64.
func GenerateToken(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
