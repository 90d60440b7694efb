package domain

import "time"

// SystemConfig holds bootstrap singletons keyed by name, such as the
// audit salt (stored encrypted under the master key).
type SystemConfig struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
