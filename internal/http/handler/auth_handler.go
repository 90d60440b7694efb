package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/response"
	"github.com/medvaultapp/medvault/internal/observability"
	"github.com/medvaultapp/medvault/internal/security"
	"github.com/medvaultapp/medvault/internal/service"
)

// RefreshTokenCookie carries the refresh token between refreshes.
// Scoped to the refresh path, HttpOnly.
const RefreshTokenCookie = "refresh_token"

// AuthHandlerConfig carries the cookie and TTL knobs the handler
// needs from deployment config.
type AuthHandlerConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SecureCookies   bool
}

type AuthHandler struct {
	auth   *service.AuthService
	tokens *service.TokenService
	audit  *service.AuditService
	abuse  service.AuthAbuseGuard
	cfg    AuthHandlerConfig
}

func NewAuthHandler(auth *service.AuthService, tokens *service.TokenService, audit *service.AuditService, abuse service.AuthAbuseGuard, cfg AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens, audit: audit, abuse: abuse, cfg: cfg}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	user, err := h.auth.CreateUser(service.CreateUserParams{
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		Phone:       req.Phone,
	})
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			response.Error(w, r, http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
			return
		}
		response.Error(w, r, http.StatusUnprocessableEntity, "INVALID_INPUT", err.Error(), nil)
		return
	}

	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = &user.ID
	h.audit.LogCreate("User", strconv.FormatUint(uint64(user.ID), 10), map[string]string{"role": user.Role}, auditCtx)

	response.JSON(w, r, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"message": "Account created. Check your email to verify the address.",
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	auditCtx := service.ExtractContext(r)

	if h.abuse != nil {
		wait, err := h.abuse.Check(r.Context(), service.AuthAbuseScopeLogin, req.Email, auditCtx.IPAddress)
		if err == nil && wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
			response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many failed attempts, slow down", nil)
			return
		}
	}

	res, err := h.auth.AttemptLogin(req.Email, req.Password)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		return
	}
	if !res.Success {
		if h.abuse != nil {
			_, _ = h.abuse.RegisterFailure(r.Context(), service.AuthAbuseScopeLogin, req.Email, auditCtx.IPAddress)
		}
		h.audit.LogAuth(service.AuthEventLoginFailed, auditCtx, &service.Metadata{Reason: res.Error})

		if res.EmailNotVerified {
			response.Error(w, r, http.StatusForbidden, "EMAIL_NOT_VERIFIED", res.Error, nil)
			return
		}
		details := map[string]any{}
		if res.RemainingAttempts != nil {
			details["remaining_attempts"] = *res.RemainingAttempts
		}
		if res.LockedUntil != nil {
			details["locked_until"] = res.LockedUntil
		}
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", res.Error, details)
		return
	}

	if h.abuse != nil {
		_ = h.abuse.Reset(r.Context(), service.AuthAbuseScopeLogin, req.Email, auditCtx.IPAddress)
	}

	pair, err := h.tokens.GenerateTokens(res.User, service.SessionMetadata{IP: auditCtx.IPAddress, UserAgent: auditCtx.UserAgent})
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not issue tokens", nil)
		return
	}
	csrf, err := security.NewOpaqueToken()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not issue tokens", nil)
		return
	}
	h.setAuthCookies(w, pair, csrf)

	auditCtx.ActorID = &res.User.ID
	h.audit.LogAuth(service.AuthEventLogin, auditCtx, nil)

	profile, err := h.auth.Profile(res.User)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load profile", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":       profile,
		"tokens":     pair,
		"csrf_token": csrf,
		"is_demo":    res.IsDemo,
	})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	res, err := h.auth.VerifyEmail(req.Token)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "verification failed", nil)
		return
	}
	if !res.Success {
		response.Error(w, r, http.StatusBadRequest, "INVALID_TOKEN", res.Error, nil)
		return
	}
	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = &res.User.ID
	h.audit.LogAuth(service.AuthEventEmailVerified, auditCtx, nil)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "Email verified"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword answers identically whether or not the account
// exists. The reset token goes to the mail dispatcher, never the
// response.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	auditCtx := service.ExtractContext(r)

	if h.abuse != nil {
		wait, err := h.abuse.Check(r.Context(), service.AuthAbuseScopeForgot, req.Email, auditCtx.IPAddress)
		if err == nil && wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
			response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down", nil)
			return
		}
		_, _ = h.abuse.RegisterFailure(r.Context(), service.AuthAbuseScopeForgot, req.Email, auditCtx.IPAddress)
	}

	if _, err := h.auth.ForgotPassword(req.Email); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "request failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{
		"message": "If the address is registered, a reset link is on its way.",
	})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	res, err := h.auth.ResetPassword(req.Token, req.NewPassword)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "reset failed", nil)
		return
	}
	if !res.Success {
		response.Error(w, r, http.StatusBadRequest, "INVALID_TOKEN", res.Error, nil)
		return
	}
	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = &res.User.ID
	h.audit.LogAuth(service.AuthEventPasswordReset, auditCtx, nil)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "Password updated. Sign in on all devices again."})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, RefreshTokenCookie)
	if raw == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			raw = req.RefreshToken
		}
	}
	if raw == "" {
		observability.RecordAuthRefresh("missing")
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing refresh token", nil)
		return
	}

	auditCtx := service.ExtractContext(r)
	pair, user, err := h.tokens.RefreshTokens(raw, service.SessionMetadata{IP: auditCtx.IPAddress, UserAgent: auditCtx.UserAgent})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			observability.RecordAuthRefresh("invalid")
			response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token", nil)
			return
		}
		observability.RecordAuthRefresh("error")
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "refresh failed", nil)
		return
	}
	csrf, err := security.NewOpaqueToken()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "refresh failed", nil)
		return
	}
	h.setAuthCookies(w, pair, csrf)
	observability.RecordAuthRefresh("success")
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user_id":    user.ID,
		"tokens":     pair,
		"csrf_token": csrf,
		"is_demo":    h.auth.IsDemoUser(user),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw := security.GetCookie(r, RefreshTokenCookie); raw != "" {
		h.tokens.RevokeRefreshToken(raw)
	}
	h.clearAuthCookies(w)

	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = middleware.ActorID(r.Context())
	h.audit.LogAuth(service.AuthEventLogout, auditCtx, nil)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "Signed out"})
}

func (h *AuthHandler) setAuthCookies(w http.ResponseWriter, pair *service.TokenPair, csrf string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(h.cfg.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/api/v1/auth",
		MaxAge:   int(h.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	// Readable by the client so it can echo the X-CSRF-Token header.
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CSRFCookie,
		Value:    csrf,
		Path:     "/",
		MaxAge:   int(h.cfg.RefreshTokenTTL.Seconds()),
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearAuthCookies(w http.ResponseWriter) {
	for _, c := range []struct {
		name string
		path string
	}{
		{middleware.AccessTokenCookie, "/"},
		{RefreshTokenCookie, "/api/v1/auth"},
		{middleware.CSRFCookie, "/"},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: c.name != middleware.CSRFCookie,
			Secure:   h.cfg.SecureCookies,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
