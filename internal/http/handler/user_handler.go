package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/response"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/security"
	"github.com/medvaultapp/medvault/internal/service"
)

type UserHandler struct {
	auth     *service.AuthService
	tokens   *service.TokenService
	sessions repository.SessionRepository
	audit    *service.AuditService
	jwtMgr   *security.JWTManager
}

func NewUserHandler(auth *service.AuthService, tokens *service.TokenService, sessions repository.SessionRepository, audit *service.AuditService, jwtMgr *security.JWTManager) *UserHandler {
	return &UserHandler{auth: auth, tokens: tokens, sessions: sessions, audit: audit, jwtMgr: jwtMgr}
}

func (h *UserHandler) currentUserID(r *http.Request) (uint, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return 0, false
	}
	id, err := claims.UserID()
	if err != nil {
		return 0, false
	}
	return id, true
}

// Me returns the decrypted profile of the authenticated user and
// records the PHI read on the audit trail.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	user, err := h.auth.FindUserByID(userID)
	if err != nil {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "account not found", nil)
		return
	}
	profile, err := h.auth.Profile(user)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not load profile", nil)
		return
	}

	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = &userID
	h.audit.LogAccess("User", nil, auditCtx, nil)

	response.JSON(w, r, http.StatusOK, profile)
}

type sessionView struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	Current   bool      `json:"current"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// currentSessionID resolves the session behind the caller's refresh
// cookie, "" when the cookie is absent or invalid.
func (h *UserHandler) currentSessionID(r *http.Request) string {
	raw := security.GetCookie(r, RefreshTokenCookie)
	if raw == "" {
		return ""
	}
	claims, err := h.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		return ""
	}
	return claims.ID
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	sessions, err := h.sessions.ListByUserID(userID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not list sessions", nil)
		return
	}
	current := h.currentSessionID(r)
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:        s.ID,
			UserAgent: s.UserAgent,
			IP:        s.IP,
			Current:   s.ID == current,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

func (h *UserHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	session, err := h.sessions.FindByID(sessionID)
	if err != nil || session.UserID != userID {
		// Foreign and missing sessions are indistinguishable.
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return
	}
	if _, err := h.sessions.DeleteByID(sessionID); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not revoke session", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "Session revoked"})
}

func (h *UserHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	sessions, err := h.sessions.ListByUserID(userID)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not list sessions", nil)
		return
	}
	current := h.currentSessionID(r)
	var revoked int
	for _, s := range sessions {
		if s.ID == current {
			continue
		}
		if _, err := h.sessions.DeleteByID(s.ID); err != nil {
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not revoke sessions", nil)
			return
		}
		revoked++
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked": revoked})
}
