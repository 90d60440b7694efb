package repository

import (
	"context"
	"errors"

	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrConfigNotFound = errors.New("system config key not found")

// SystemConfigRepository persists bootstrap singletons such as the
// encrypted audit salt.
type SystemConfigRepository interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

type GormSystemConfigRepository struct{ db *gorm.DB }

func NewSystemConfigRepository(db *gorm.DB) SystemConfigRepository {
	return &GormSystemConfigRepository{db: db}
}

func (r *GormSystemConfigRepository) Get(key string) (string, error) {
	var row domain.SystemConfig
	err := r.db.Where("key = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "system_config", "get", "not_found")
			return "", ErrConfigNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "system_config", "get", "error")
		return "", err
	}
	observability.RecordRepositoryOperation(context.Background(), "system_config", "get", "success")
	return row.Value, nil
}

func (r *GormSystemConfigRepository) Set(key, value string) error {
	row := domain.SystemConfig{Key: key, Value: value}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "system_config", "set", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "system_config", "set", "success")
	return nil
}
