package service

import (
	"errors"
	"time"

	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/security"
)

var (
	// ErrInvalidRefreshToken covers expired, revoked, malformed and
	// never-issued refresh tokens alike. Callers cannot tell these
	// apart, which denies attackers a revocation oracle.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// TokenPair is one issued access/refresh token set.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SessionMetadata is the client context recorded on the session row.
type SessionMetadata struct {
	IP        string
	UserAgent string
}

// TokenService owns the access/refresh token lifecycle. Refresh tokens
// are single-use: each refresh deletes the backing session and issues a
// fresh pair.
type TokenService struct {
	jwtMgr      *security.JWTManager
	sessionRepo repository.SessionRepository
	userRepo    repository.UserRepository
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

func NewTokenService(jwtMgr *security.JWTManager, sessionRepo repository.SessionRepository, userRepo repository.UserRepository, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		jwtMgr:      jwtMgr,
		sessionRepo: sessionRepo,
		userRepo:    userRepo,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}
}

// GenerateTokens issues an access/refresh pair and persists the session
// row keyed by the refresh token's jti. The email never goes into the
// token: JWT claims are signed, not encrypted.
func (s *TokenService) GenerateTokens(user *domain.User, meta SessionMetadata) (*TokenPair, error) {
	access, err := s.jwtMgr.SignAccessToken(user.ID, "", user.Role, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.jwtMgr.SignRefreshToken(user.ID, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	session := &domain.Session{
		ID:               jti,
		UserID:           user.ID,
		TokenFingerprint: security.FingerprintToken(refresh),
		UserAgent:        meta.UserAgent,
		IP:               meta.IP,
		ExpiresAt:        time.Now().Add(s.refreshTTL),
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccessToken validates signature, expiry and token type.
func (s *TokenService) VerifyAccessToken(raw string) (*security.Claims, error) {
	return s.jwtMgr.ParseAccessToken(raw)
}

// VerifyRefreshToken validates the token and its backing session. An
// expired session is deleted as a side effect before the failure is
// reported; a missing session fails identically.
func (s *TokenService) VerifyRefreshToken(raw string) (*security.Claims, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	session, err := s.sessionRepo.FindByID(claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if session.ExpiresAt.Before(time.Now()) {
		// Lazy cleanup: expiry is checked on read, not by a timer.
		_, _ = s.sessionRepo.DeleteByID(session.ID)
		return nil, ErrInvalidRefreshToken
	}
	if session.TokenFingerprint != security.FingerprintToken(raw) {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

// RefreshTokens rotates a refresh token: the old session is deleted and
// a new pair issued, so each refresh token is usable exactly once.
func (s *TokenService) RefreshTokens(oldRefresh string, meta SessionMetadata) (*TokenPair, *domain.User, error) {
	claims, err := s.VerifyRefreshToken(oldRefresh)
	if err != nil {
		return nil, nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, ErrInvalidRefreshToken
	}
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrInvalidRefreshToken
	}
	if _, err := s.sessionRepo.DeleteByID(claims.ID); err != nil {
		return nil, nil, err
	}
	pair, err := s.GenerateTokens(user, meta)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// RevokeRefreshToken deletes the session behind the given token.
// Returns false when the token is invalid or already revoked.
func (s *TokenService) RevokeRefreshToken(raw string) bool {
	claims, err := s.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		return false
	}
	deleted, err := s.sessionRepo.DeleteByID(claims.ID)
	if err != nil {
		return false
	}
	return deleted
}

// RevokeAllUserTokens deletes every session for the user, the
// "log out everywhere" path used on password change.
func (s *TokenService) RevokeAllUserTokens(userID uint) (int64, error) {
	return s.sessionRepo.DeleteByUserID(userID)
}

// CleanupExpiredSessions removes sessions past their expiry. Safe to
// run from multiple processes, merely redundant.
func (s *TokenService) CleanupExpiredSessions() (int64, error) {
	return s.sessionRepo.DeleteExpired()
}
