package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medvaultapp/medvault/internal/crypto"
	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/observability"
	"github.com/medvaultapp/medvault/internal/repository"
)

const (
	auditSaltKey = "audit_salt"

	// maxUserAgentLength bounds stored user-agent strings.
	maxUserAgentLength = 500
	// maxExportIDs bounds how many resource ids an export record keeps.
	maxExportIDs = 100
)

// AuthEvent is a semantically distinct authentication event mapped
// onto the audit action taxonomy.
type AuthEvent string

const (
	AuthEventLogin          AuthEvent = "LOGIN"
	AuthEventLoginFailed    AuthEvent = "LOGIN_FAILED"
	AuthEventLogout         AuthEvent = "LOGOUT"
	AuthEventPasswordChange AuthEvent = "PASSWORD_CHANGE"
	AuthEventPasswordReset  AuthEvent = "PASSWORD_RESET"
	AuthEventEmailVerified  AuthEvent = "EMAIL_VERIFIED"
)

// AuditContext is the attributable request context for one record.
type AuditContext struct {
	ActorID   *uint
	SessionID *string
	IPAddress string
	UserAgent string
}

// Metadata is the closed, non-PHI payload attached to a record. Only
// identifiers and counters belong here, never field values.
type Metadata struct {
	Event       string   `json:"event,omitempty"`
	Success     *bool    `json:"success,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Format      string   `json:"format,omitempty"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
	Count       int      `json:"count,omitempty"`
}

// AuditService writes the tamper-resistant access trail. Every Log*
// call is best-effort: failures are logged and counted, never
// propagated, so a broken audit path cannot break the operation it
// documents. Value snapshots are encrypted under a system-wide audit
// salt so the trail stays readable across user key rotations.
type AuditService struct {
	repo      repository.AuditLogRepository
	sysconfig repository.SystemConfigRepository
	cryptoSvc *crypto.Service
	logger    *slog.Logger
	retention time.Duration

	mu        sync.RWMutex
	auditSalt string
}

func NewAuditService(repo repository.AuditLogRepository, sysconfig repository.SystemConfigRepository, cryptoSvc *crypto.Service, logger *slog.Logger, retention time.Duration) *AuditService {
	return &AuditService{
		repo:      repo,
		sysconfig: sysconfig,
		cryptoSvc: cryptoSvc,
		logger:    logger,
		retention: retention,
	}
}

// Initialize generates the system audit salt on first run, persisting
// it encrypted under the master key, and loads it on every run after.
func (s *AuditService) Initialize() error {
	wrapped, err := s.sysconfig.Get(auditSaltKey)
	if err == nil {
		salt, err := s.cryptoSvc.DecryptWithMasterKey(wrapped)
		if err != nil {
			return fmt.Errorf("unwrap audit salt: %w", err)
		}
		s.setSalt(salt)
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
	if err := s.sysconfig.Set(auditSaltKey, wrapped); err != nil {
		return err
	}
	s.setSalt(salt)
	return nil
}

func (s *AuditService) setSalt(salt string) {
	s.mu.Lock()
	s.auditSalt = salt
	s.mu.Unlock()
}

func (s *AuditService) salt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auditSalt
}

// LogAccess records a READ of a protected resource.
func (s *AuditService) LogAccess(resourceType string, resourceID *string, ctx AuditContext, meta *Metadata) {
	s.write(domain.ActionRead, resourceType, resourceID, "", "", ctx, domain.ActorUser, meta)
}

// LogCreate records a CREATE with the new value snapshot encrypted.
func (s *AuditService) LogCreate(resourceType, resourceID string, newValue any, ctx AuditContext) {
	encNew, ok := s.encryptSnapshot(domain.ActionCreate, newValue)
	if !ok {
		return
	}
	s.write(domain.ActionCreate, resourceType, &resourceID, "", encNew, ctx, domain.ActorUser, nil)
}

// LogUpdate records an UPDATE with both snapshots encrypted.
func (s *AuditService) LogUpdate(resourceType, resourceID string, previousValue, newValue any, ctx AuditContext) {
	encPrev, ok := s.encryptSnapshot(domain.ActionUpdate, previousValue)
	if !ok {
		return
	}
	encNew, ok := s.encryptSnapshot(domain.ActionUpdate, newValue)
	if !ok {
		return
	}
	s.write(domain.ActionUpdate, resourceType, &resourceID, encPrev, encNew, ctx, domain.ActorUser, nil)
}

// LogDelete records a DELETE with the pre-deletion snapshot encrypted.
// Callers capture the snapshot before executing the delete.
func (s *AuditService) LogDelete(resourceType, resourceID string, previousValue any, ctx AuditContext) {
	encPrev, ok := s.encryptSnapshot(domain.ActionDelete, previousValue)
	if !ok {
		return
	}
	s.write(domain.ActionDelete, resourceType, &resourceID, encPrev, "", ctx, domain.ActorUser, nil)
}

// LogAuth maps authentication events onto the audit taxonomy. Failed
// and anonymous events carry the ANONYMOUS actor type.
func (s *AuditService) LogAuth(event AuthEvent, ctx AuditContext, meta *Metadata) {
	if meta == nil {
		meta = &Metadata{}
	}
	meta.Event = string(event)

	action := domain.ActionLogin
	actorType := domain.ActorUser
	switch event {
	case AuthEventLoginFailed:
		actorType = domain.ActorAnonymous
		f := false
		meta.Success = &f
	case AuthEventLogout:
		action = domain.ActionLogout
	case AuthEventPasswordChange, AuthEventPasswordReset, AuthEventEmailVerified:
		action = domain.ActionUpdate
	}
	if ctx.ActorID == nil {
		actorType = domain.ActorAnonymous
	}
	s.write(action, "User", nil, "", "", ctx, actorType, meta)
}

// LogExport records a bulk export, keeping at most maxExportIDs
// resource ids to bound record size while still proving what left.
func (s *AuditService) LogExport(resourceType string, resourceIDs []string, format string, ctx AuditContext) {
	total := len(resourceIDs)
	if total > maxExportIDs {
		resourceIDs = resourceIDs[:maxExportIDs]
	}
	s.write(domain.ActionExport, resourceType, nil, "", "", ctx, domain.ActorUser, &Metadata{
		Format:      format,
		ResourceIDs: resourceIDs,
		Count:       total,
	})
}

// LogSystem records a system-initiated event such as scheduled
// cleanup.
func (s *AuditService) LogSystem(action, resourceType string, meta *Metadata) {
	s.write(action, resourceType, nil, "", "", AuditContext{IPAddress: "system", UserAgent: "system"}, domain.ActorSystem, meta)
}

// ExtractContext derives client attribution from the request: first
// hop of X-Forwarded-For when present, otherwise the socket address,
// with the user agent truncated to a bounded length.
func ExtractContext(r *http.Request) AuditContext {
	ip := "unknown"
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	ua := r.UserAgent()
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}
	return AuditContext{IPAddress: ip, UserAgent: ua}
}

// QueryLogs is the compliance read path. Snapshots stay encrypted;
// decryption is a separate privileged call.
func (s *AuditService) QueryLogs(q repository.AuditLogQuery) (repository.PageResult[domain.AuditLog], error) {
	return s.repo.Query(q)
}

// GetLog fetches a single record by id for compliance review.
func (s *AuditService) GetLog(id string) (*domain.AuditLog, error) {
	return s.repo.FindByID(id)
}

// DecryptSnapshot decrypts one stored value snapshot under the audit
// salt. Privileged: only compliance review surfaces may call it.
func (s *AuditService) DecryptSnapshot(encoded string) (string, error) {
	return s.cryptoSvc.Decrypt(encoded, s.salt())
}

// CleanupOldLogs deletes records past the retention window and records
// the cleanup itself as a SYSTEM event. Idempotent, so concurrent runs
// are safe.
func (s *AuditService) CleanupOldLogs() (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	count, err := s.repo.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	s.LogSystem(domain.ActionDelete, "AuditLog", &Metadata{
		Event:  "RETENTION_CLEANUP",
		Reason: "retention window elapsed",
		Count:  int(count),
	})
	return count, nil
}

func (s *AuditService) encryptSnapshot(action string, value any) (string, bool) {
	if value == nil {
		return "", true
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.swallow(action, fmt.Errorf("marshal snapshot: %w", err))
		return "", false
	}
	enc, err := s.cryptoSvc.Encrypt(string(raw), s.salt())
	if err != nil {
		s.swallow(action, fmt.Errorf("encrypt snapshot: %w", err))
		return "", false
	}
	return enc, true
}

func (s *AuditService) write(action, resourceType string, resourceID *string, encPrev, encNew string, ctx AuditContext, actorType string, meta *Metadata) {
	record := &domain.AuditLog{
		ID:            uuid.NewString(),
		ActorID:       ctx.ActorID,
		ActorType:     actorType,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		PreviousValue: encPrev,
		NewValue:      encNew,
		IPAddress:     ctx.IPAddress,
		UserAgent:     ctx.UserAgent,
		SessionID:     ctx.SessionID,
		CreatedAt:     time.Now().UTC(),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			s.swallow(action, fmt.Errorf("marshal metadata: %w", err))
			return
		}
		record.Metadata = string(raw)
	}
	if err := s.repo.Create(record); err != nil {
		s.swallow(action, err)
		return
	}
	observability.RecordAuditWrite(action, "success")
}

// swallow is the audit failure policy: log to operational diagnostics
// and count, never return the error to the caller.
func (s *AuditService) swallow(action string, err error) {
	s.logger.Error("audit write failed", "action", action, "error", err)
	observability.RecordAuditWrite(action, "error")
}
