package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/observability"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the store collaborator for user rows. Lookups by
// email go through the deterministic email search hash, never the
// encrypted email column.
type UserRepository interface {
	FindByID(id uint) (*domain.User, error)
	FindByEmailHash(emailHash string) (*domain.User, error)
	EmailHashExists(emailHash string) (bool, error)
	FindByVerificationToken(token string) (*domain.User, error)
	FindByResetToken(token string) (*domain.User, error)
	Create(user *domain.User) error
	Update(user *domain.User) error
	// UpdateLoginState persists the lockout columns as absolute values.
	// Only for single-writer paths (successful login, password reset);
	// failure accounting goes through IncrementFailedLogins.
	UpdateLoginState(user *domain.User) error
	// IncrementFailedLogins bumps the failure counter in the store so
	// concurrent failed attempts cannot lose increments, opens the
	// lockout window once the counter reaches maxAttempts, and returns
	// the row as it stands after the update.
	IncrementFailedLogins(userID uint, at time.Time, maxAttempts int, lockUntil time.Time) (*domain.User, error)
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "success")
	return &u, nil
}

func (r *GormUserRepository) FindByEmailHash(emailHash string) (*domain.User, error) {
	var u domain.User
	err := r.db.Where("email_hash = ?", emailHash).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email_hash", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email_hash", "success")
	return &u, nil
}

func (r *GormUserRepository) EmailHashExists(emailHash string) (bool, error) {
	var count int64
	err := r.db.Model(&domain.User{}).Where("email_hash = ?", emailHash).Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "email_hash_exists", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "email_hash_exists", "success")
	return count > 0, nil
}

func (r *GormUserRepository) FindByVerificationToken(token string) (*domain.User, error) {
	return r.findByTokenColumn("verification_token", token, "find_by_verification_token")
}

func (r *GormUserRepository) FindByResetToken(token string) (*domain.User, error) {
	return r.findByTokenColumn("reset_token", token, "find_by_reset_token")
}

func (r *GormUserRepository) findByTokenColumn(column, token, op string) (*domain.User, error) {
	var u domain.User
	err := r.db.Where(column+" = ?", token).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", op, "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", op, "success")
	return &u, nil
}

func (r *GormUserRepository) Create(user *domain.User) error {
	err := r.db.Create(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "create", "success")
	return nil
}

func (r *GormUserRepository) Update(user *domain.User) error {
	err := r.db.Save(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update", "success")
	return nil
}

func (r *GormUserRepository) UpdateLoginState(user *domain.User) error {
	err := r.db.Model(&domain.User{}).
		Where("id = ?", user.ID).
		Select("failed_login_attempts", "locked_until", "last_failed_login_at", "last_login_at").
		Updates(map[string]any{
			"failed_login_attempts": user.FailedLoginAttempts,
			"locked_until":          user.LockedUntil,
			"last_failed_login_at":  user.LastFailedLoginAt,
			"last_login_at":         user.LastLoginAt,
		}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update_login_state", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update_login_state", "success")
	return nil
}

func (r *GormUserRepository) IncrementFailedLogins(userID uint, at time.Time, maxAttempts int, lockUntil time.Time) (*domain.User, error) {
	err := r.db.Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"failed_login_attempts": gorm.Expr("failed_login_attempts + 1"),
			"last_failed_login_at":  at,
		}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "increment_failed_logins", "error")
		return nil, err
	}

	// The lock is derived from the post-increment counter inside the
	// store, never from a value read before the update.
	err = r.db.Model(&domain.User{}).
		Where("id = ? AND failed_login_attempts >= ? AND (locked_until IS NULL OR locked_until < ?)", userID, maxAttempts, at).
		Update("locked_until", lockUntil).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "increment_failed_logins", "error")
		return nil, err
	}

	var u domain.User
	if err := r.db.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "increment_failed_logins", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "increment_failed_logins", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "increment_failed_logins", "success")
	return &u, nil
}
