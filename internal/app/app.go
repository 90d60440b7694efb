package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/medvaultapp/medvault/internal/config"
	"github.com/medvaultapp/medvault/internal/crypto"
	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/http/handler"
	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/router"
	"github.com/medvaultapp/medvault/internal/observability"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/security"
	"github.com/medvaultapp/medvault/internal/service"
)

// App owns the assembled process: config, storage, services, HTTP
// server and the observability runtime.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Server *http.Server

	DB    *gorm.DB
	Redis *redis.Client

	Observability *observability.Runtime

	Tokens *service.TokenService
	Audit  *service.AuditService
}

// New wires the whole service from validated config: database, redis,
// crypto, repositories, services and the router.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, observability.MetricsConfig{
		Enabled:      cfg.OTELMetricsEnabled,
		OTLPEndpoint: cfg.OTELExporterOTLPEndpoint,
		OTLPInsecure: cfg.OTELExporterOTLPInsecure,
		ServiceName:  cfg.OTELServiceName,
		Environment:  cfg.Profile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Session{},
		&domain.AuditLog{},
		&domain.SystemConfig{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	cryptoSvc, err := crypto.NewService(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	auditLogs := repository.NewAuditLogRepository(db)
	sysconfig := repository.NewSystemConfigRepository(db)

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	tokens := service.NewTokenService(jwtMgr, sessions, users, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	auth := service.NewAuthService(users, sysconfig, cryptoSvc, tokens, service.AuthConfig{
		BcryptCost:           cfg.BcryptCost,
		MaxFailedLogins:      cfg.MaxFailedLogins,
		LockoutDuration:      cfg.LockoutDuration,
		VerifyTokenTTL:       cfg.VerifyTokenTTL,
		ResetTokenTTL:        cfg.ResetTokenTTL,
		DemoEmail:            cfg.DemoEmail,
		DemoLoginEnabled:     cfg.DemoLoginEnabled,
		RequireVerifiedEmail: cfg.RequireVerifiedEmail,
	})
	if err := auth.Initialize(); err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	audit := service.NewAuditService(auditLogs, sysconfig, cryptoSvc, logger, cfg.AuditRetention)
	if err := audit.Initialize(); err != nil {
		return nil, fmt.Errorf("init audit service: %w", err)
	}

	abuse := service.NewRedisAuthAbuseGuard(redisClient, "medvault:abuse", service.AuthAbusePolicy{})

	authHandler := handler.NewAuthHandler(auth, tokens, audit, abuse, handler.AuthHandlerConfig{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		SecureCookies:   cfg.SecureCookies,
	})
	userHandler := handler.NewUserHandler(auth, tokens, sessions, audit, jwtMgr)
	auditHandler := handler.NewAuditHandler(audit)

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:      authHandler,
		UserHandler:      userHandler,
		AuditHandler:     auditHandler,
		JWTManager:       jwtMgr,
		CORSOrigins:      cfg.CORSOrigins,
		Limiter:          middleware.NewRedisLimiter(redisClient, "medvault:ratelimit"),
		APIRateLimitRPM:  cfg.APIRateLimitRPM,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
		ReadyChecks: []router.ReadyCheck{
			{Name: "database", Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			{Name: "redis", Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}},
		},
		EnableOTelHTTP: cfg.OTELMetricsEnabled,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		DB:            db,
		Redis:         redisClient,
		Observability: runtime,
		Tokens:        tokens,
		Audit:         audit,
	}, nil
}

// Run serves until the context is cancelled or a termination signal
// arrives, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("server listening", "addr", a.Server.Addr, "profile", a.Config.Profile)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.runMaintenance(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutting down")
		return a.Shutdown()
	})

	return g.Wait()
}

// runMaintenance runs the periodic session and audit retention sweeps
// until the process context ends.
func (a *App) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.Tokens.CleanupExpiredSessions(); err != nil {
				a.Logger.Error("session cleanup failed", "error", err)
			} else if n > 0 {
				a.Logger.Info("expired sessions removed", "count", n)
			}
			if n, err := a.Audit.CleanupOldLogs(); err != nil {
				a.Logger.Error("audit retention cleanup failed", "error", err)
			} else if n > 0 {
				a.Logger.Info("expired audit records removed", "count", n)
			}
		}
	}
}

// Shutdown drains the HTTP server and closes every backend.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if a.Observability != nil {
		if err := a.Observability.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
