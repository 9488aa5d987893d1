package database

import "time"

// Profile is one entry of the connection-profile catalog. Password and
// PrivateKey hold fernet tokens, never plaintext.
type Profile struct {
	ID          string    `gorm:"primaryKey;size:128" json:"id"`
	DisplayName string    `gorm:"not null" json:"display_name"`
	Type        string    `gorm:"not null;default:ssh" json:"type"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null;default:22" json:"port"`
	Username    string    `gorm:"not null" json:"username"`
	Password    string    `json:"-"`
	PrivateKey  string    `gorm:"type:text" json:"-"`
	Shell       string    `gorm:"default:''" json:"shell"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SuspendedEntry persists the metadata of a suspended shell so that the
// entry list survives a backend restart. The shell process itself does not.
type SuspendedEntry struct {
	SuspendID       string     `gorm:"primaryKey;size:64" json:"suspend_id"`
	ConnectionID    string     `gorm:"not null;index" json:"connection_id"`
	ConnectionName  string     `gorm:"not null" json:"connection_name"`
	OriginSessionID string     `gorm:"not null" json:"origin_session_id"`
	CustomName      string     `gorm:"default:''" json:"custom_name"`
	Status          string     `gorm:"not null;index" json:"status"`
	SuspendedAt     time.Time  `gorm:"not null" json:"suspended_at"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog records one suspend lifecycle event.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SuspendID    string    `gorm:"index;size:64" json:"suspend_id"`
	SessionID    string    `gorm:"index;size:64" json:"session_id"`
	ConnectionID string    `gorm:"size:128" json:"connection_id"`
	EventType    string    `gorm:"not null;index" json:"event_type"`
	Details      string    `json:"details"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
