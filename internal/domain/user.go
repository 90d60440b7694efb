package domain

import "time"

// User is the account record. PHI columns (name, date of birth, phone)
// hold AEAD ciphertext produced with the user's own salt; EmailHash is a
// keyed search digest so logins never require decrypting every row.
// EncryptedSalt is the per-user salt wrapped under the master key.
type User struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Email         string `gorm:"size:512;not null" json:"-"`
	EmailHash     string `gorm:"size:64;uniqueIndex;not null" json:"-"`
	PasswordHash  string `gorm:"size:128;not null" json:"-"`
	EncryptedSalt string `gorm:"size:256;not null" json:"-"`
	Role          string `gorm:"size:32;default:user" json:"role"`

	FirstName   string `gorm:"size:512" json:"-"`
	LastName    string `gorm:"size:512" json:"-"`
	DateOfBirth string `gorm:"size:256" json:"-"`
	Phone       string `gorm:"size:256" json:"-"`

	IsActive      bool `gorm:"default:true" json:"is_active"`
	IsDemo        bool `gorm:"default:false" json:"is_demo"`
	EmailVerified bool `gorm:"default:false" json:"email_verified"`

	VerificationToken        *string    `gorm:"size:64;index" json:"-"`
	VerificationTokenExpires *time.Time `json:"-"`
	ResetToken               *string    `gorm:"size:64;index" json:"-"`
	ResetTokenExpires        *time.Time `json:"-"`

	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
