package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/medvaultapp/medvault/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}, &domain.AuditLog{}, &domain.SystemConfig{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func strPtr(v string) *string { return &v }

func mustCreateSession(t *testing.T, repo SessionRepository, id string, userID uint, expires time.Time) {
	t.Helper()
	err := repo.Create(&domain.Session{
		ID:               id,
		UserID:           userID,
		TokenFingerprint: "fp-" + id,
		UserAgent:        "test-agent",
		IP:               "10.0.0.1",
		ExpiresAt:        expires,
	})
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}
