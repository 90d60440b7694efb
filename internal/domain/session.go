package domain

import "time"

// Session is one refresh-token lineage. ID is the jti embedded in the
// refresh token; TokenFingerprint is a bounded prefix of the token's
// SHA-256 digest, never the token itself. Rows are deleted on logout,
// revocation, password reset, or expiry cleanup.
type Session struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	UserID           uint      `gorm:"index;not null" json:"user_id"`
	TokenFingerprint string    `gorm:"size:32;not null" json:"-"`
	UserAgent        string    `gorm:"size:512" json:"user_agent"`
	IP               string    `gorm:"size:64" json:"ip"`
	ExpiresAt        time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}
