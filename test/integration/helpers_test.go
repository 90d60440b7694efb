package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medvaultapp/medvault/internal/crypto"
	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/http/handler"
	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/router"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/security"
	"github.com/medvaultapp/medvault/internal/service"
)

const testMasterSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	URL    string
	Client *http.Client
	Audit  *service.AuditService
	Auth   *service.AuthService
	Users  repository.UserRepository
}

// newTestServer stands up the full HTTP stack over sqlite and
// miniredis.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}, &domain.AuditLog{}, &domain.SystemConfig{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	cryptoSvc, err := crypto.NewService(testMasterSecret)
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	auditLogs := repository.NewAuditLogRepository(db)
	sysconfig := repository.NewSystemConfigRepository(db)

	jwtMgr := security.NewJWTManager("medvault-test", "integration-access-secret-0123456789", "integration-refresh-secret-0123456789")
	tokens := service.NewTokenService(jwtMgr, sessions, users, 15*time.Minute, 7*24*time.Hour)

	auth := service.NewAuthService(users, sysconfig, cryptoSvc, tokens, service.AuthConfig{
		BcryptCost:           4,
		MaxFailedLogins:      5,
		LockoutDuration:      30 * time.Minute,
		VerifyTokenTTL:       24 * time.Hour,
		ResetTokenTTL:        time.Hour,
		RequireVerifiedEmail: true,
	})
	if err := auth.Initialize(); err != nil {
		t.Fatalf("init auth: %v", err)
	}

	audit := service.NewAuditService(auditLogs, sysconfig, cryptoSvc, slog.New(slog.NewTextHandler(io.Discard, nil)), 6*365*24*time.Hour)
	if err := audit.Initialize(); err != nil {
		t.Fatalf("init audit: %v", err)
	}

	abuse := service.NewRedisAuthAbuseGuard(redisClient, "test:abuse", service.AuthAbusePolicy{FreeAttempts: 100})

	mux := router.NewRouter(router.Dependencies{
		AuthHandler: handler.NewAuthHandler(auth, tokens, audit, abuse, handler.AuthHandlerConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		}),
		UserHandler:      handler.NewUserHandler(auth, tokens, sessions, audit, jwtMgr),
		AuditHandler:     handler.NewAuditHandler(audit),
		JWTManager:       jwtMgr,
		CORSOrigins:      []string{"http://localhost:3000"},
		Limiter:          middleware.NewRedisLimiter(redisClient, "test:ratelimit"),
		APIRateLimitRPM:  10000,
		AuthRateLimitRPM: 10000,
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &testServer{
		URL:    server.URL,
		Client: &http.Client{Jar: jar},
		Audit:  audit,
		Auth:   auth,
		Users:  users,
	}
}

func doJSON(t *testing.T, client *http.Client, method, target string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func cookieValue(t *testing.T, client *http.Client, baseURL, name string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
