package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// License is a time-bounded key scoped to one application. HWID and user
// bindings happen on first redemption and persist until an explicit admin
// reset.
type License struct {
	ID                  int        `json:"id" db:"id"`
	Key                 string     `json:"key" db:"key"`
	AppID               int        `json:"app_id" db:"app_id"`
	Username            string     `json:"username,omitempty" db:"username"`
	Hwid                string     `json:"hwid,omitempty" db:"hwid"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	UserID              *int       `json:"user_id,omitempty" db:"user_id"`
	CreatedByResellerID *int       `json:"created_by_reseller_id,omitempty" db:"created_by_reseller_id"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the license carries an expiry in the past.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

const licenseKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateLicenseKey returns a random XXXXXXXX-XXXXXXXX-XXXXXXXX key.
func GenerateLicenseKey() string {
	raw := make([]byte, 24)
	rand.Read(raw)
	for i, b := range raw {
		raw[i] = licenseKeyAlphabet[int(b)%len(licenseKeyAlphabet)]
	}
	return string(raw[:8]) + "-" + string(raw[8:16]) + "-" + string(raw[16:])
}

// HashHwid normalizes a presented hardware identifier for storage and
// comparison. Raw identifiers are never persisted.
func HashHwid(hwid string) string {
	sum := sha256.Sum256([]byte(hwid))
	return hex.EncodeToString(sum[:])
}
