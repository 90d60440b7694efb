package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/medvaultapp/medvault/internal/http/response"
	"github.com/medvaultapp/medvault/internal/observability"
	"github.com/medvaultapp/medvault/internal/security"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// AccessTokenCookie is the cookie the browser client authenticates
// with; API clients send a bearer header instead.
const AccessTokenCookie = "access_token"

// accessTokenFromRequest prefers the session cookie over the bearer
// header and reports which carrier held the token, for metrics and
// the security log.
func accessTokenFromRequest(r *http.Request) (string, string) {
	if raw := security.GetCookie(r, AccessTokenCookie); raw != "" {
		return raw, "cookie"
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	return "", "none"
}

func AuthMiddleware(jwtMgr *security.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := accessTokenFromRequest(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := jwtMgr.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
				observability.Audit(r, "access_token_rejected", "source", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

// ActorID resolves the authenticated user id for audit attribution,
// or nil when the request is anonymous. Every audited handler uses
// this rather than re-parsing claims.
func ActorID(ctx context.Context) *uint {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil
	}
	id, err := claims.UserID()
	if err != nil {
		return nil
	}
	return &id
}
