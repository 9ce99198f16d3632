// Package tokens mints and verifies opaque, server-side download tokens.
//
// A token value is 256 random bits, base64url encoded, handed to the client once.
// Only its SHA-256 digest is stored, so a database read never yields a usable token.
package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

const tokenBytes = 32

// Config holds issuance defaults and limits.
type Config struct {
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	DefaultMaxUses    int
	FingerprintSecret string

	// PassPeriodDownloadLimit mirrors the engine's per-period pass cap and is
	// enforced again when a use is spent. Zero disables it.
	PassPeriodDownloadLimit int
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 24 * time.Hour
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.DefaultMaxUses < 1 {
		c.DefaultMaxUses = 1
	}
	return c
}

func newTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Digest is the storage key of a token value.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint binds a token to the client that requested it. With a secret the
// value is an HMAC so stored fingerprints cannot be matched against guessed IPs.
func Fingerprint(secret, clientIP, userAgent string) string {
	msg := []byte(clientIP + "\n" + userAgent)
	if secret == "" {
		sum := sha256.Sum256(msg)
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func fingerprintMatches(stored, presented string) bool {
	return hmac.Equal([]byte(stored), []byte(presented))
}
