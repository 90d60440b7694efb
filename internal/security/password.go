package security

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the work factor used when config supplies none.
const DefaultBcryptCost = 12

// PasswordPolicy lists every rule a candidate password violated.
type PasswordPolicy struct {
	Valid  bool
	Errors []string
}

// HashPassword hashes a plaintext password with bcrypt at the given
// cost.
func HashPassword(plaintext string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext candidate against a stored hash
// in constant time.
func VerifyPassword(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// ValidatePasswordStrength checks the candidate against every policy
// rule and reports all violations, not just the first.
func ValidatePasswordStrength(candidate string) PasswordPolicy {
	var errs []string
	if len(candidate) < 8 {
		errs = append(errs, "must be at least 8 characters long")
	}
	var upper, lower, digit, special bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper {
		errs = append(errs, "must contain an uppercase letter")
	}
	if !lower {
		errs = append(errs, "must contain a lowercase letter")
	}
	if !digit {
		errs = append(errs, "must contain a digit")
	}
	if !special {
		errs = append(errs, "must contain a special character")
	}
	return PasswordPolicy{Valid: len(errs) == 0, Errors: errs}
}
