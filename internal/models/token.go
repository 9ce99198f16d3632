package models

import "time"

// DownloadToken is a server-side capability. ID is the SHA-256 digest of the
// bearer value handed to the client; the bearer value itself is never stored.
type DownloadToken struct {
	ID            string         `json:"id"`
	PrincipalID   string         `json:"principalId"`
	Entitlement   EntitlementRef `json:"entitlement"`
	Files         []TokenFile    `json:"files"`
	IssuedAt      time.Time      `json:"issuedAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	MaxUses       int            `json:"maxUses"`
	UsesRemaining int            `json:"usesRemaining"`
	Fingerprint   string         `json:"-"`
}

// TokenFile is one authorized file key and when it was first served.
type TokenFile struct {
	Key        string     `json:"key"`
	ProductID  string     `json:"productId"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
}

// FileKeys returns the authorized keys in issuance order.
func (t *DownloadToken) FileKeys() []string {
	keys := make([]string, 0, len(t.Files))
	for _, f := range t.Files {
		keys = append(keys, f.Key)
	}
	return keys
}

// File returns the authorized entry for key.
func (t *DownloadToken) File(key string) (TokenFile, bool) {
	for _, f := range t.Files {
		if f.Key == key {
			return f, true
		}
	}
	return TokenFile{}, false
}

// Authorizes reports whether key is in the token's file set.
func (t *DownloadToken) Authorizes(key string) bool {
	_, ok := t.File(key)
	return ok
}

// UnconsumedKeys returns keys that have not been served yet.
func (t *DownloadToken) UnconsumedKeys() []string {
	var keys []string
	for _, f := range t.Files {
		if f.ConsumedAt == nil {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Expired reports whether the token's window has closed at now.
func (t *DownloadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// DownloadEvent is the append-only audit record of one successful consumption.
type DownloadEvent struct {
	ID          string    `json:"id"`
	TokenID     string    `json:"tokenId"`
	PrincipalID string    `json:"principalId"`
	ProductID   string    `json:"productId"`
	FileKey     string    `json:"fileKey"`
	OccurredAt  time.Time `json:"occurredAt"`
	ClientIP    string    `json:"clientIp"`
	UserAgent   string    `json:"userAgent"`
	BytesServed int64     `json:"bytesServed"`
	Anomalous   bool      `json:"anomalous"`
}
