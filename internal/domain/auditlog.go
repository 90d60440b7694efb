package domain

import "time"

// Audit actor types.
const (
	ActorUser      = "USER"
	ActorAnonymous = "ANONYMOUS"
	ActorSystem    = "SYSTEM"
)

// Audit action taxonomy.
const (
	ActionCreate = "CREATE"
	ActionRead   = "READ"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionLogin  = "LOGIN"
	ActionLogout = "LOGOUT"
	ActionExport = "EXPORT"
)

// AuditLog is an append-only access record. PreviousValue and NewValue
// are AEAD ciphertext under the system audit salt, never plaintext.
// Rows are immutable; only retention cleanup deletes them.
type AuditLog struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	ActorID       *uint     `gorm:"index" json:"actor_id,omitempty"`
	ActorType     string    `gorm:"size:16;not null" json:"actor_type"`
	Action        string    `gorm:"size:16;index;not null" json:"action"`
	ResourceType  string    `gorm:"size:64;index;not null" json:"resource_type"`
	ResourceID    *string   `gorm:"size:64;index" json:"resource_id,omitempty"`
	PreviousValue string    `gorm:"type:text" json:"-"`
	NewValue      string    `gorm:"type:text" json:"-"`
	Metadata      string    `gorm:"type:text" json:"metadata,omitempty"`
	IPAddress     string    `gorm:"size:64" json:"ip_address"`
	UserAgent     string    `gorm:"size:512" json:"user_agent"`
	SessionID     *string   `gorm:"size:64" json:"session_id,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}
