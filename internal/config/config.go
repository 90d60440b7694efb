// Package config loads and validates startup configuration from the
// environment. Load refuses to return a Config carrying production-unsafe
// secrets: the process must not start with a placeholder master key.
package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Placeholder secrets that ship in documentation and must never reach a
// running process.
var placeholderSecrets = []string{
	"changeme",
	"change-me",
	"secret",
	"your-master-key-here",
	strings.Repeat("0", 64),
	strings.Repeat("a", 64),
}

type Config struct {
	Profile    string
	ListenAddr string

	DatabaseURL string
	RedisAddr   string

	MasterSecret         string
	JWTIssuer            string
	JWTAccessSecret      string
	JWTRefreshSecret     string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	VerifyTokenTTL       time.Duration
	ResetTokenTTL        time.Duration
	BcryptCost           int
	MaxFailedLogins      int
	LockoutDuration      time.Duration
	AuditRetention       time.Duration
	DemoEmail            string
	DemoLoginEnabled     bool
	RequireVerifiedEmail bool

	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	SecureCookies    bool

	OTELMetricsEnabled       bool
	OTELExporterOTLPEndpoint string
	OTELExporterOTLPInsecure bool
	OTELServiceName          string
}

// Load reads the environment, applies defaults and validates.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Profile:    envString("APP_PROFILE", "dev"),
		ListenAddr: envString("LISTEN_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   envString("REDIS_ADDR", "localhost:6379"),

		MasterSecret:     os.Getenv("PHI_MASTER_SECRET"),
		JWTIssuer:        envString("JWT_ISSUER", "medvault"),
		JWTAccessSecret:  os.Getenv("JWT_ACCESS_SECRET"),
		JWTRefreshSecret: os.Getenv("JWT_REFRESH_SECRET"),

		DemoEmail:        envString("DEMO_EMAIL", "demo@medvault.app"),
		DemoLoginEnabled: envBool("DEMO_LOGIN_ENABLED", false),

		RequireVerifiedEmail: envBool("REQUIRE_VERIFIED_EMAIL", true),

		CORSOrigins: envStringList("CORS_ORIGINS", []string{"http://localhost:3000"}),

		OTELMetricsEnabled:       envBool("OTEL_METRICS_ENABLED", false),
		OTELExporterOTLPEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELServiceName:          envString("OTEL_SERVICE_NAME", "medvault"),
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.RefreshTokenTTL, err = envDuration("JWT_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.VerifyTokenTTL, err = envDuration("EMAIL_VERIFY_TTL", 24*time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.ResetTokenTTL, err = envDuration("PASSWORD_RESET_TTL", time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.LockoutDuration, err = envDuration("LOCKOUT_DURATION", 30*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.AuditRetention, err = envDuration("AUDIT_RETENTION", 6*365*24*time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.BcryptCost, err = envInt("BCRYPT_COST", 12); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.MaxFailedLogins, err = envInt("MAX_FAILED_LOGINS", 5); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.APIRateLimitRPM, err = envInt("API_RATE_LIMIT_RPM", 300); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	if cfg.AuthRateLimitRPM, err = envInt("AUTH_RATE_LIMIT_RPM", 30); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	cfg.SecureCookies = envBool("SECURE_COOKIES", cfg.Profile == "prod")

	if err := cfg.Validate(); err != nil {
		return nil, loadFailed(ctx, cfg.Profile, err)
	}
	recordConfigValidationEvent(ctx, cfg.Profile, "success", "none")
	return cfg, nil
}

func loadFailed(ctx context.Context, profile string, err error) error {
	recordConfigValidationEvent(ctx, profile, "failure", classifyConfigLoadError(err))
	return err
}

// Validate enforces the startup-time invariants of the security core.
func (c *Config) Validate() error {
	if err := validateMasterSecret(c.MasterSecret); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if len(c.JWTAccessSecret) < 32 || len(c.JWTRefreshSecret) < 32 {
		return fmt.Errorf("validate config: JWT secrets must be at least 32 characters")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if c.BcryptCost < 10 || c.BcryptCost > 16 {
		return fmt.Errorf("validate config: BCRYPT_COST %d outside [10,16]", c.BcryptCost)
	}
	if c.MaxFailedLogins < 3 {
		return fmt.Errorf("validate config: MAX_FAILED_LOGINS %d below minimum 3", c.MaxFailedLogins)
	}
	if c.LockoutDuration < time.Minute {
		return fmt.Errorf("validate config: LOCKOUT_DURATION below one minute")
	}
	if c.AuditRetention < 24*time.Hour {
		return fmt.Errorf("validate config: AUDIT_RETENTION below one day")
	}
	return nil
}

func validateMasterSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("PHI_MASTER_SECRET is required")
	}
	lowered := strings.ToLower(strings.TrimSpace(secret))
	for _, placeholder := range placeholderSecrets {
		if lowered == placeholder {
			return fmt.Errorf("PHI_MASTER_SECRET is a placeholder value")
		}
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("PHI_MASTER_SECRET must be hex encoded")
	}
	if len(raw) != 32 {
		return fmt.Errorf("PHI_MASTER_SECRET must encode 32 bytes, got %d", len(raw))
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envStringList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
