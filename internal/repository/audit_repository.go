package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/observability"

	"gorm.io/gorm"
)

// AuditLogQuery filters the compliance-review read path. Zero values
// mean "no filter".
type AuditLogQuery struct {
	PageRequest
	ActorID      uint
	ResourceType string
	Action       string
	From         time.Time
	To           time.Time
}

// ErrAuditLogNotFound reports a lookup against a missing record id.
var ErrAuditLogNotFound = errors.New("audit log not found")

// AuditLogRepository is append-only: records are never updated, and
// deletion happens only through retention cleanup.
type AuditLogRepository interface {
	Create(log *domain.AuditLog) error
	FindByID(id string) (*domain.AuditLog, error)
	Query(q AuditLogQuery) (PageResult[domain.AuditLog], error)
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

type GormAuditLogRepository struct{ db *gorm.DB }

func NewAuditLogRepository(db *gorm.DB) AuditLogRepository { return &GormAuditLogRepository{db: db} }

func (r *GormAuditLogRepository) Create(log *domain.AuditLog) error {
	err := r.db.Create(log).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit_log", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "audit_log", "create", "success")
	return nil
}

func (r *GormAuditLogRepository) FindByID(id string) (*domain.AuditLog, error) {
	var log domain.AuditLog
	err := r.db.Where("id = ?", id).First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "audit_log", "find_by_id", "not_found")
			return nil, ErrAuditLogNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "audit_log", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "audit_log", "find_by_id", "success")
	return &log, nil
}

func (r *GormAuditLogRepository) Query(q AuditLogQuery) (PageResult[domain.AuditLog], error) {
	req := normalizePageRequest(q.PageRequest)
	result := PageResult[domain.AuditLog]{
		Page:     req.Page,
		PageSize: req.PageSize,
	}

	base := r.db.Model(&domain.AuditLog{})
	if q.ActorID != 0 {
		base = base.Where("actor_id = ?", q.ActorID)
	}
	if q.ResourceType != "" {
		base = base.Where("resource_type = ?", q.ResourceType)
	}
	if q.Action != "" {
		base = base.Where("action = ?", q.Action)
	}
	if !q.From.IsZero() {
		base = base.Where("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		base = base.Where("created_at <= ?", q.To)
	}

	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit_log", "query", "error")
		return PageResult[domain.AuditLog]{}, err
	}

	offset := (req.Page - 1) * req.PageSize
	err := base.Order("created_at DESC").
		Offset(offset).
		Limit(req.PageSize).
		Find(&result.Items).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit_log", "query", "error")
		return PageResult[domain.AuditLog]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observability.RecordRepositoryOperation(context.Background(), "audit_log", "query", "success")
	return result, nil
}

func (r *GormAuditLogRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := r.db.Where("created_at < ?", cutoff).Delete(&domain.AuditLog{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit_log", "delete_older_than", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "audit_log", "delete_older_than", "success")
	return res.RowsAffected, nil
}
