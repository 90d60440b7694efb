package service

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/medvaultapp/medvault/internal/crypto"
	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/repository"
)

func newAuditServiceForTest(t *testing.T, repo *inMemoryAuditRepo, sysconfig *inMemorySystemConfigRepo) *AuditService {
	t.Helper()
	cryptoSvc, err := crypto.NewService(testMasterSecret)
	if err != nil {
		t.Fatalf("crypto service: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAuditService(repo, sysconfig, cryptoSvc, logger, 6*365*24*time.Hour)
	if err := svc.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return svc
}

func actorCtx(id uint) AuditContext {
	return AuditContext{ActorID: &id, IPAddress: "203.0.113.9", UserAgent: "test-agent"}
}

func TestInitializeReusesPersistedAuditSalt(t *testing.T) {
	repo := newInMemoryAuditRepo()
	sysconfig := newInMemorySystemConfigRepo()

	first := newAuditServiceForTest(t, repo, sysconfig)
	first.LogCreate("Medication", "med-1", map[string]string{"name": "aspirin"}, actorCtx(1))
	if len(repo.rows) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.rows))
	}
	encrypted := repo.rows[0].NewValue

	// A restarted service must load the same salt and still read old
	// snapshots.
	second := newAuditServiceForTest(t, repo, sysconfig)
	plain, err := second.DecryptSnapshot(encrypted)
	if err != nil {
		t.Fatalf("decrypt after restart: %v", err)
	}
	if !strings.Contains(plain, "aspirin") {
		t.Fatalf("unexpected snapshot %q", plain)
	}

	// The persisted config value is wrapped, not the raw salt.
	wrapped, err := sysconfig.Get("audit_salt")
	if err != nil {
		t.Fatalf("get salt: %v", err)
	}
	if wrapped == first.salt() {
		t.Fatal("audit salt persisted in plaintext")
	}
}

func TestLogUpdateEncryptsBothSnapshots(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())

	prev := map[string]string{"dosage": "10mg"}
	next := map[string]string{"dosage": "20mg"}
	svc.LogUpdate("Medication", "med-7", prev, next, actorCtx(42))

	if len(repo.rows) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.rows))
	}
	row := repo.rows[0]
	if row.Action != domain.ActionUpdate || row.ActorType != domain.ActorUser {
		t.Fatalf("unexpected record %+v", row)
	}
	if row.ResourceID == nil || *row.ResourceID != "med-7" {
		t.Fatalf("resource id %v", row.ResourceID)
	}
	if row.ID == "" {
		t.Fatal("missing record id")
	}

	// Stored values are ciphertext.
	for _, stored := range []string{row.PreviousValue, row.NewValue} {
		if strings.Contains(stored, "dosage") || strings.Contains(stored, "mg") {
			t.Fatalf("plaintext leaked into stored snapshot %q", stored)
		}
	}

	// And decrypt back to the original JSON.
	gotPrev, err := svc.DecryptSnapshot(row.PreviousValue)
	if err != nil {
		t.Fatalf("decrypt previous: %v", err)
	}
	gotNext, err := svc.DecryptSnapshot(row.NewValue)
	if err != nil {
		t.Fatalf("decrypt new: %v", err)
	}
	var decodedPrev, decodedNext map[string]string
	if err := json.Unmarshal([]byte(gotPrev), &decodedPrev); err != nil {
		t.Fatalf("unmarshal previous: %v", err)
	}
	if err := json.Unmarshal([]byte(gotNext), &decodedNext); err != nil {
		t.Fatalf("unmarshal new: %v", err)
	}
	if decodedPrev["dosage"] != "10mg" || decodedNext["dosage"] != "20mg" {
		t.Fatalf("snapshot round-trip mismatch: %v / %v", decodedPrev, decodedNext)
	}
}

func TestLogAccessAndDelete(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())
	id := "rec-3"

	svc.LogAccess("HealthRecord", &id, actorCtx(1), nil)
	svc.LogDelete("HealthRecord", id, map[string]string{"note": "old"}, actorCtx(1))

	if len(repo.rows) != 2 {
		t.Fatalf("expected 2 records, got %d", len(repo.rows))
	}
	read := repo.rows[0]
	if read.Action != domain.ActionRead || read.PreviousValue != "" || read.NewValue != "" {
		t.Fatalf("unexpected read record %+v", read)
	}
	del := repo.rows[1]
	if del.Action != domain.ActionDelete || del.PreviousValue == "" || del.NewValue != "" {
		t.Fatalf("unexpected delete record %+v", del)
	}
}

func TestLogAuthActorMapping(t *testing.T) {
	tests := []struct {
		name          string
		event         AuthEvent
		ctx           AuditContext
		wantAction    string
		wantActorType string
		wantSuccess   *bool
	}{
		{
			name:          "successful login",
			event:         AuthEventLogin,
			ctx:           actorCtx(7),
			wantAction:    domain.ActionLogin,
			wantActorType: domain.ActorUser,
		},
		{
			name:          "failed login is anonymous",
			event:         AuthEventLoginFailed,
			ctx:           AuditContext{IPAddress: "203.0.113.9"},
			wantAction:    domain.ActionLogin,
			wantActorType: domain.ActorAnonymous,
			wantSuccess:   boolPtr(false),
		},
		{
			name:          "logout",
			event:         AuthEventLogout,
			ctx:           actorCtx(7),
			wantAction:    domain.ActionLogout,
			wantActorType: domain.ActorUser,
		},
		{
			name:          "password reset maps to update",
			event:         AuthEventPasswordReset,
			ctx:           actorCtx(7),
			wantAction:    domain.ActionUpdate,
			wantActorType: domain.ActorUser,
		},
		{
			name:          "missing actor forces anonymous",
			event:         AuthEventLogin,
			ctx:           AuditContext{IPAddress: "203.0.113.9"},
			wantAction:    domain.ActionLogin,
			wantActorType: domain.ActorAnonymous,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newInMemoryAuditRepo()
			svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())
			svc.LogAuth(tt.event, tt.ctx, nil)

			if len(repo.rows) != 1 {
				t.Fatalf("expected 1 record, got %d", len(repo.rows))
			}
			row := repo.rows[0]
			if row.Action != tt.wantAction || row.ActorType != tt.wantActorType {
				t.Fatalf("got action=%s actor=%s, want %s/%s", row.Action, row.ActorType, tt.wantAction, tt.wantActorType)
			}
			var meta Metadata
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				t.Fatalf("unmarshal metadata: %v", err)
			}
			if meta.Event != string(tt.event) {
				t.Fatalf("metadata event %q", meta.Event)
			}
			if tt.wantSuccess != nil {
				if meta.Success == nil || *meta.Success != *tt.wantSuccess {
					t.Fatalf("metadata success %v", meta.Success)
				}
			}
		})
	}
}

func TestLogExportCapsResourceIDs(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d", i)
	}
	svc.LogExport("HealthRecord", ids, "pdf", actorCtx(5))

	if len(repo.rows) != 1 {
		t.Fatalf("expected 1 record, got %d", len(repo.rows))
	}
	row := repo.rows[0]
	if row.Action != domain.ActionExport {
		t.Fatalf("action %s", row.Action)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if len(meta.ResourceIDs) != maxExportIDs {
		t.Fatalf("stored %d ids, want %d", len(meta.ResourceIDs), maxExportIDs)
	}
	if meta.Count != 150 || meta.Format != "pdf" {
		t.Fatalf("metadata %+v", meta)
	}
}

func TestCleanupOldLogsRecordsSystemEvent(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())

	old := domain.AuditLog{
		ID:        "old-record",
		ActorType: domain.ActorUser,
		Action:    domain.ActionRead,
		CreatedAt: time.Now().Add(-7 * 365 * 24 * time.Hour),
	}
	repo.rows = append(repo.rows, old)
	svc.LogAccess("HealthRecord", nil, actorCtx(1), nil)

	count, err := svc.CleanupOldLogs()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if count != 1 {
		t.Fatalf("deleted %d, want 1", count)
	}

	// The recent record survives and the cleanup itself is recorded.
	last := repo.rows[len(repo.rows)-1]
	if last.ActorType != domain.ActorSystem || last.Action != domain.ActionDelete {
		t.Fatalf("unexpected cleanup record %+v", last)
	}
	if last.IPAddress != "system" || last.UserAgent != "system" {
		t.Fatalf("cleanup attribution %+v", last)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(last.Metadata), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.Event != "RETENTION_CLEANUP" || meta.Count != 1 {
		t.Fatalf("cleanup metadata %+v", meta)
	}
	for _, row := range repo.rows {
		if row.ID == "old-record" {
			t.Fatal("expired record still present")
		}
	}
}

func TestAuditWriteFailuresAreSwallowed(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())
	repo.failing = true

	// None of these may panic or surface the storage error.
	svc.LogAccess("HealthRecord", nil, actorCtx(1), nil)
	svc.LogCreate("Medication", "med-1", map[string]string{"name": "x"}, actorCtx(1))
	svc.LogAuth(AuthEventLogin, actorCtx(1), nil)

	repo.failing = false
	svc.LogAccess("HealthRecord", nil, actorCtx(1), nil)
	if len(repo.rows) != 1 {
		t.Fatalf("expected only the post-recovery record, got %d", len(repo.rows))
	}
}

func TestQueryLogsFiltersByActor(t *testing.T) {
	repo := newInMemoryAuditRepo()
	svc := newAuditServiceForTest(t, repo, newInMemorySystemConfigRepo())

	svc.LogAccess("HealthRecord", nil, actorCtx(1), nil)
	svc.LogAccess("HealthRecord", nil, actorCtx(2), nil)
	svc.LogAccess("Medication", nil, actorCtx(1), nil)

	res, err := svc.QueryLogs(repository.AuditLogQuery{ActorID: 1, ResourceType: "HealthRecord"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("total %d, want 1", res.Total)
	}
}

func TestExtractContext(t *testing.T) {
	t.Run("forwarded header wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
		r.Header.Set("User-Agent", "agent")
		ctx := ExtractContext(r)
		if ctx.IPAddress != "198.51.100.4" || ctx.UserAgent != "agent" {
			t.Fatalf("got %+v", ctx)
		}
	})

	t.Run("socket address port stripped", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.1:54321"
		ctx := ExtractContext(r)
		if ctx.IPAddress != "192.0.2.1" {
			t.Fatalf("ip %q", ctx.IPAddress)
		}
	})

	t.Run("ipv6 with port unwrapped", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "[2001:db8::7]:54321"
		ctx := ExtractContext(r)
		if ctx.IPAddress != "2001:db8::7" {
			t.Fatalf("ip %q", ctx.IPAddress)
		}
	})

	t.Run("portless ipv6 kept intact", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "::1"
		ctx := ExtractContext(r)
		if ctx.IPAddress != "::1" {
			t.Fatalf("ip %q", ctx.IPAddress)
		}
	})

	t.Run("missing address is unknown", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = ""
		ctx := ExtractContext(r)
		if ctx.IPAddress != "unknown" {
			t.Fatalf("ip %q", ctx.IPAddress)
		}
	})

	t.Run("long user agent truncated", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("User-Agent", strings.Repeat("x", maxUserAgentLength+100))
		ctx := ExtractContext(r)
		if len(ctx.UserAgent) != maxUserAgentLength {
			t.Fatalf("user agent length %d", len(ctx.UserAgent))
		}
	})
}

func boolPtr(b bool) *bool { return &b }
