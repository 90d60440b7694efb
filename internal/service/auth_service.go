package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medvaultapp/medvault/internal/crypto"
	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/observability"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/security"
)

// User-visible error messages. Deliberately coarser than the internal
// cause: "invalid email or password" covers both unknown email and
// wrong password so login never discloses account existence.
const (
	MsgInvalidCredentials = "Invalid email or password"
	MsgAccountDeactivated = "Account has been deactivated"
	MsgAccountLocked      = "Account is temporarily locked due to repeated failed logins"
)

const emailIndexSaltKey = "email_index_salt"

// ErrEmailTaken reports a registration attempt against an existing
// address. Safe to disclose on the registration surface.
var ErrEmailTaken = errors.New("email already registered")

// AuthConfig carries the startup-time knobs of the auth service.
type AuthConfig struct {
	BcryptCost           int
	MaxFailedLogins      int
	LockoutDuration      time.Duration
	VerifyTokenTTL       time.Duration
	ResetTokenTTL        time.Duration
	DemoEmail            string
	DemoLoginEnabled     bool
	RequireVerifiedEmail bool
}

// AuthService owns password verification, the account lockout state
// machine and the identity flows around it. Lockout mutations go
// through the store's single-row update path, which serializes
// concurrent failures against the same account.
type AuthService struct {
	users     repository.UserRepository
	sysconfig repository.SystemConfigRepository
	cryptoSvc *crypto.Service
	tokens    *TokenService
	cfg       AuthConfig

	emailIndexSalt string
}

func NewAuthService(users repository.UserRepository, sysconfig repository.SystemConfigRepository, cryptoSvc *crypto.Service, tokens *TokenService, cfg AuthConfig) *AuthService {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = security.DefaultBcryptCost
	}
	if cfg.MaxFailedLogins == 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockoutDuration == 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	return &AuthService{
		users:     users,
		sysconfig: sysconfig,
		cryptoSvc: cryptoSvc,
		tokens:    tokens,
		cfg:       cfg,
	}
}

// Initialize loads the email index salt, generating and persisting it
// (wrapped under the master key) on first run. The salt keys the
// deterministic email hash used for login lookups.
func (s *AuthService) Initialize() error {
	wrapped, err := s.sysconfig.Get(emailIndexSaltKey)
	if err == nil {
		salt, err := s.cryptoSvc.DecryptWithMasterKey(wrapped)
		if err != nil {
			return fmt.Errorf("unwrap email index salt: %w", err)
		}
		s.emailIndexSalt = salt
		return nil
	}
	if !errors.Is(err, repository.ErrConfigNotFound) {
		return err
	}
	salt, err := crypto.GenerateUserSalt()
	if err != nil {
		return err
	}
	wrapped, err = s.cryptoSvc.EncryptWithMasterKey(salt)
	if err != nil {
		return err
	}
	if err := s.sysconfig.Set(emailIndexSaltKey, wrapped); err != nil {
		return err
	}
	s.emailIndexSalt = salt
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) emailHash(email string) string {
	return crypto.HashForSearch(email, s.emailIndexSalt)
}

// CreateUserParams is the already-validated registration input.
type CreateUserParams struct {
	Email       string
	Password    string
	FirstName   string
	LastName    string
	DateOfBirth string
	Phone       string
}

// CreateUser registers an account: generates the user's salt, encrypts
// PHI fields under it, wraps the salt under the master key and issues
// an email verification token. The plaintext salt never persists.
func (s *AuthService) CreateUser(params CreateUserParams) (*domain.User, error) {
	email := normalizeEmail(params.Email)
	if policy := security.ValidatePasswordStrength(params.Password); !policy.Valid {
		return nil, fmt.Errorf("weak password: %s", strings.Join(policy.Errors, "; "))
	}
	exists, err := s.users.EmailHashExists(s.emailHash(email))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrEmailTaken
	}

	salt, err := crypto.GenerateUserSalt()
	if err != nil {
		return nil, err
	}
	wrappedSalt, err := s.cryptoSvc.EncryptWithMasterKey(salt)
	if err != nil {
		return nil, err
	}
	passwordHash, err := security.HashPassword(params.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	verifyToken, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		EmailHash:     s.emailHash(email),
		PasswordHash:  passwordHash,
		EncryptedSalt: wrappedSalt,
		Role:          "user",
		IsActive:      true,
		IsDemo:        s.IsDemoEmail(email),
	}
	if user.Email, err = s.cryptoSvc.Encrypt(email, salt); err != nil {
		return nil, err
	}
	if user.FirstName, err = s.cryptoSvc.Encrypt(params.FirstName, salt); err != nil {
		return nil, err
	}
	if user.LastName, err = s.cryptoSvc.Encrypt(params.LastName, salt); err != nil {
		return nil, err
	}
	if user.DateOfBirth, err = s.cryptoSvc.Encrypt(params.DateOfBirth, salt); err != nil {
		return nil, err
	}
	if user.Phone, err = s.cryptoSvc.Encrypt(params.Phone, salt); err != nil {
		return nil, err
	}

	expires := time.Now().Add(s.cfg.VerifyTokenTTL)
	user.VerificationToken = &verifyToken
	user.VerificationTokenExpires = &expires

	if err := s.users.Create(user); err != nil {
		return nil, err
	}
	return user, nil
}

// FindUserByEmail looks up an account through the email search hash.
func (s *AuthService) FindUserByEmail(email string) (*domain.User, error) {
	return s.users.FindByEmailHash(s.emailHash(normalizeEmail(email)))
}

func (s *AuthService) FindUserByID(id uint) (*domain.User, error) {
	return s.users.FindByID(id)
}

func (s *AuthService) EmailExists(email string) (bool, error) {
	return s.users.EmailHashExists(s.emailHash(normalizeEmail(email)))
}

// UserSalt unwraps the per-user salt for PHI field access.
func (s *AuthService) UserSalt(user *domain.User) (string, error) {
	return s.cryptoSvc.DecryptWithMasterKey(user.EncryptedSalt)
}

// UserProfile is the decrypted, client-facing view of an account.
type UserProfile struct {
	ID            uint       `json:"id"`
	Email         string     `json:"email"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	DateOfBirth   string     `json:"date_of_birth,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	IsDemo        bool       `json:"is_demo,omitempty"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Profile unwraps the user's salt and decrypts the PHI fields into a
// response-safe view.
func (s *AuthService) Profile(user *domain.User) (*UserProfile, error) {
	salt, err := s.UserSalt(user)
	if err != nil {
		return nil, err
	}
	profile := &UserProfile{
		ID:            user.ID,
		Role:          user.Role,
		EmailVerified: user.EmailVerified,
		IsDemo:        user.IsDemo,
		LastLoginAt:   user.LastLoginAt,
		CreatedAt:     user.CreatedAt,
	}
	if profile.Email, err = s.cryptoSvc.Decrypt(user.Email, salt); err != nil {
		return nil, err
	}
	if profile.FirstName, err = s.cryptoSvc.Decrypt(user.FirstName, salt); err != nil {
		return nil, err
	}
	if profile.LastName, err = s.cryptoSvc.Decrypt(user.LastName, salt); err != nil {
		return nil, err
	}
	if profile.DateOfBirth, err = s.cryptoSvc.Decrypt(user.DateOfBirth, salt); err != nil {
		return nil, err
	}
	if profile.Phone, err = s.cryptoSvc.Decrypt(user.Phone, salt); err != nil {
		return nil, err
	}
	return profile, nil
}

// IsAccountLocked reports whether the lockout window is still open.
// Lazy check only, no mutation: an elapsed lockout simply stops
// matching here and is cleared on the next successful login.
func (s *AuthService) IsAccountLocked(user *domain.User) bool {
	return user.LockedUntil != nil && user.LockedUntil.After(time.Now())
}

// LockoutStatus reports the lockout state after a failed attempt.
type LockoutStatus struct {
	Locked            bool
	RemainingAttempts int
	LockedUntil       *time.Time
}

// RecordFailedLogin increments the failure counter and, at the
// configured maximum, opens the lockout window. The increment happens
// in the store: two attempts racing on stale copies of the same row
// still count as two failures.
func (s *AuthService) RecordFailedLogin(user *domain.User) (LockoutStatus, error) {
	now := time.Now()
	updated, err := s.users.IncrementFailedLogins(user.ID, now, s.cfg.MaxFailedLogins, now.Add(s.cfg.LockoutDuration))
	if err != nil {
		return LockoutStatus{}, err
	}
	*user = *updated

	status := LockoutStatus{
		RemainingAttempts: s.cfg.MaxFailedLogins - updated.FailedLoginAttempts,
	}
	if status.RemainingAttempts < 0 {
		status.RemainingAttempts = 0
	}
	if updated.LockedUntil != nil && updated.LockedUntil.After(now) {
		status.Locked = true
		status.RemainingAttempts = 0
		status.LockedUntil = updated.LockedUntil
		observability.RecordAccountLockout()
	}
	return status, nil
}

// ResetFailedLoginAttempts clears the lockout state and records the
// successful login time.
func (s *AuthService) ResetFailedLoginAttempts(user *domain.User) error {
	now := time.Now()
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastFailedLoginAt = nil
	user.LastLoginAt = &now
	return s.users.UpdateLoginState(user)
}

// LoginResult is the outcome of AttemptLogin. Failure shapes are
// structurally identical for "no such account" and "wrong password".
type LoginResult struct {
	Success           bool
	User              *domain.User
	Error             string
	RemainingAttempts *int
	LockedUntil       *time.Time
	EmailNotVerified  bool
	IsDemo            bool
}

// AttemptLogin runs the whole login state machine: lookup, lockout
// check, password verification and failure accounting.
func (s *AuthService) AttemptLogin(email, password string) (*LoginResult, error) {
	user, err := s.FindUserByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordAuthLogin("unknown_account")
			return &LoginResult{Error: MsgInvalidCredentials}, nil
		}
		return nil, err
	}

	if s.IsAccountLocked(user) {
		observability.RecordAuthLogin("locked")
		return &LoginResult{Error: MsgAccountLocked, LockedUntil: user.LockedUntil}, nil
	}
	if !user.IsActive {
		observability.RecordAuthLogin("deactivated")
		return &LoginResult{Error: MsgAccountDeactivated}, nil
	}
	if s.cfg.RequireVerifiedEmail && !user.EmailVerified && !s.IsDemoUser(user) {
		observability.RecordAuthLogin("email_not_verified")
		return &LoginResult{Error: "Email address not verified", EmailNotVerified: true}, nil
	}

	if !security.VerifyPassword(password, user.PasswordHash) {
		status, err := s.RecordFailedLogin(user)
		if err != nil {
			return nil, err
		}
		observability.RecordAuthLogin("bad_password")
		res := &LoginResult{Error: MsgInvalidCredentials}
		if status.Locked {
			res.Error = MsgAccountLocked
			res.LockedUntil = status.LockedUntil
		} else {
			res.RemainingAttempts = &status.RemainingAttempts
		}
		return res, nil
	}

	if err := s.ResetFailedLoginAttempts(user); err != nil {
		return nil, err
	}
	observability.RecordAuthLogin("success")
	return &LoginResult{Success: true, User: user, IsDemo: s.IsDemoUser(user)}, nil
}

// VerifyEmailResult distinguishes invalid, expired and already-verified
// tokens. Safe to disclose: the token itself is unguessable.
type VerifyEmailResult struct {
	Success bool
	User    *domain.User
	Error   string
}

func (s *AuthService) VerifyEmail(token string) (*VerifyEmailResult, error) {
	user, err := s.users.FindByVerificationToken(token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return &VerifyEmailResult{Error: "Invalid verification token"}, nil
		}
		return nil, err
	}
	if user.EmailVerified {
		return &VerifyEmailResult{Error: "Email already verified"}, nil
	}
	if user.VerificationTokenExpires == nil || user.VerificationTokenExpires.Before(time.Now()) {
		return &VerifyEmailResult{Error: "Verification token expired"}, nil
	}
	user.EmailVerified = true
	user.VerificationToken = nil
	user.VerificationTokenExpires = nil
	if err := s.users.Update(user); err != nil {
		return nil, err
	}
	return &VerifyEmailResult{Success: true, User: user}, nil
}

// ForgotPasswordResult always reports success; Token is populated only
// for real, active accounts and is for the mail dispatcher, never the
// HTTP response.
type ForgotPasswordResult struct {
	Success bool
	Token   string
	User    *domain.User
}

// ForgotPassword is anti-enumeration by construction: the externally
// observable result is identical whether or not the account exists.
func (s *AuthService) ForgotPassword(email string) (*ForgotPasswordResult, error) {
	user, err := s.FindUserByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return &ForgotPasswordResult{Success: true}, nil
		}
		return nil, err
	}
	if !user.IsActive {
		return &ForgotPasswordResult{Success: true}, nil
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(s.cfg.ResetTokenTTL)
	user.ResetToken = &token
	user.ResetTokenExpires = &expires
	if err := s.users.Update(user); err != nil {
		return nil, err
	}
	return &ForgotPasswordResult{Success: true, Token: token, User: user}, nil
}

// ResetPasswordResult is the outcome of a token-driven password reset.
type ResetPasswordResult struct {
	Success bool
	User    *domain.User
	Error   string
}

// ResetPassword validates the token, applies the new password, clears
// the lockout state and revokes every session so all devices must
// re-authenticate.
func (s *AuthService) ResetPassword(token, newPassword string) (*ResetPasswordResult, error) {
	user, err := s.users.FindByResetToken(token)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return &ResetPasswordResult{Error: "Invalid or expired reset token"}, nil
		}
		return nil, err
	}
	if user.ResetTokenExpires == nil || user.ResetTokenExpires.Before(time.Now()) {
		return &ResetPasswordResult{Error: "Invalid or expired reset token"}, nil
	}
	if policy := security.ValidatePasswordStrength(newPassword); !policy.Valid {
		return &ResetPasswordResult{Error: "Password too weak: " + strings.Join(policy.Errors, "; ")}, nil
	}
	hash, err := security.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = hash
	user.ResetToken = nil
	user.ResetTokenExpires = nil
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastFailedLoginAt = nil
	if err := s.users.Update(user); err != nil {
		return nil, err
	}
	if _, err := s.tokens.RevokeAllUserTokens(user.ID); err != nil {
		return nil, err
	}
	return &ResetPasswordResult{Success: true, User: user}, nil
}

// IsDemoEmail matches the designated demonstration account, gated by
// the deployment flag.
func (s *AuthService) IsDemoEmail(email string) bool {
	if !s.cfg.DemoLoginEnabled || s.cfg.DemoEmail == "" {
		return false
	}
	return normalizeEmail(email) == normalizeEmail(s.cfg.DemoEmail)
}

func (s *AuthService) IsDemoUser(user *domain.User) bool {
	return user.IsDemo && s.cfg.DemoLoginEnabled
}
