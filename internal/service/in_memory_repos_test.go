package service

import (
	"sync"
	"time"

	"github.com/medvaultapp/medvault/internal/domain"
	"github.com/medvaultapp/medvault/internal/repository"
)

type inMemoryUserRepo struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*domain.User
}

func newInMemoryUserRepo() *inMemoryUserRepo {
	return &inMemoryUserRepo{nextID: 1, byID: map[uint]*domain.User{}}
}

func (r *inMemoryUserRepo) FindByID(id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *inMemoryUserRepo) FindByEmailHash(emailHash string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.EmailHash == emailHash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *inMemoryUserRepo) EmailHashExists(emailHash string) (bool, error) {
	_, err := r.FindByEmailHash(emailHash)
	if err == nil {
		return true, nil
	}
	return false, nil
}

func (r *inMemoryUserRepo) FindByVerificationToken(token string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.VerificationToken != nil && *u.VerificationToken == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *inMemoryUserRepo) FindByResetToken(token string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.ResetToken != nil && *u.ResetToken == token {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *inMemoryUserRepo) Create(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *user
	cp.ID = r.nextID
	r.nextID++
	r.byID[cp.ID] = &cp
	user.ID = cp.ID
	return nil
}

func (r *inMemoryUserRepo) Update(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[user.ID]; !ok {
		return repository.ErrUserNotFound
	}
	cp := *user
	r.byID[cp.ID] = &cp
	return nil
}

func (r *inMemoryUserRepo) UpdateLoginState(user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[user.ID]
	if !ok {
		return repository.ErrUserNotFound
	}
	existing.FailedLoginAttempts = user.FailedLoginAttempts
	existing.LockedUntil = user.LockedUntil
	existing.LastFailedLoginAt = user.LastFailedLoginAt
	existing.LastLoginAt = user.LastLoginAt
	return nil
}

func (r *inMemoryUserRepo) IncrementFailedLogins(userID uint, at time.Time, maxAttempts int, lockUntil time.Time) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	existing.FailedLoginAttempts++
	existing.LastFailedLoginAt = &at
	if existing.FailedLoginAttempts >= maxAttempts && (existing.LockedUntil == nil || existing.LockedUntil.Before(at)) {
		until := lockUntil
		existing.LockedUntil = &until
	}
	cp := *existing
	return &cp, nil
}

type inMemorySessionRepo struct {
	mu   sync.Mutex
	byID map[string]*domain.Session
}

func newInMemorySessionRepo() *inMemorySessionRepo {
	return &inMemorySessionRepo{byID: map[string]*domain.Session{}}
}

func (r *inMemorySessionRepo) Create(s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[cp.ID] = &cp
	return nil
}

func (r *inMemorySessionRepo) FindByID(id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *inMemorySessionRepo) ListByUserID(userID uint) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.byID {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *inMemorySessionRepo) DeleteByID(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false, nil
	}
	delete(r.byID, id)
	return true, nil
}

func (r *inMemorySessionRepo) DeleteByUserID(userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for id, s := range r.byID {
		if s.UserID == userID {
			delete(r.byID, id)
			count++
		}
	}
	return count, nil
}

func (r *inMemorySessionRepo) DeleteExpired() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	now := time.Now()
	for id, s := range r.byID {
		if s.ExpiresAt.Before(now) {
			delete(r.byID, id)
			count++
		}
	}
	return count, nil
}

type inMemoryAuditRepo struct {
	mu      sync.Mutex
	rows    []domain.AuditLog
	failing bool
}

func newInMemoryAuditRepo() *inMemoryAuditRepo {
	return &inMemoryAuditRepo{}
}

func (r *inMemoryAuditRepo) Create(log *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errStoreUnavailable
	}
	r.rows = append(r.rows, *log)
	return nil
}

func (r *inMemoryAuditRepo) FindByID(id string) (*domain.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			cp := row
			return &cp, nil
		}
	}
	return nil, repository.ErrAuditLogNotFound
}

func (r *inMemoryAuditRepo) Query(q repository.AuditLogQuery) (repository.PageResult[domain.AuditLog], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []domain.AuditLog
	for _, row := range r.rows {
		if q.ActorID != 0 && (row.ActorID == nil || *row.ActorID != q.ActorID) {
			continue
		}
		if q.ResourceType != "" && row.ResourceType != q.ResourceType {
			continue
		}
		if q.Action != "" && row.Action != q.Action {
			continue
		}
		items = append(items, row)
	}
	return repository.PageResult[domain.AuditLog]{Items: items, Total: int64(len(items))}, nil
}

func (r *inMemoryAuditRepo) DeleteOlderThan(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []domain.AuditLog
	var count int64
	for _, row := range r.rows {
		if row.CreatedAt.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return count, nil
}

type inMemorySystemConfigRepo struct {
	mu     sync.Mutex
	values map[string]string
}

func newInMemorySystemConfigRepo() *inMemorySystemConfigRepo {
	return &inMemorySystemConfigRepo{values: map[string]string{}}
}

func (r *inMemorySystemConfigRepo) Get(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	if !ok {
		return "", repository.ErrConfigNotFound
	}
	return v, nil
}

func (r *inMemorySystemConfigRepo) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}
