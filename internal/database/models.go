package database

import "time"

// Host is a catalog entry. Config holds the descriptor's connection config
// as JSON with secrets removed; Secrets holds the removed fields, encrypted.
type Host struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"not null;default:''" json:"name"`
	Kind        string    `gorm:"not null;index" json:"kind"`
	Config      string    `gorm:"type:text;not null;default:'{}'" json:"-"`
	Secrets     string    `gorm:"type:text;not null;default:''" json:"-"` // Fernet-encrypted JSON
	AutoConnect bool      `gorm:"not null;default:false" json:"auto_connect"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditEvent records a connection change or an engine operation.
type AuditEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	HostID    string    `gorm:"size:64;index;not null" json:"host_id"`
	EventType string    `gorm:"size:32;index;not null" json:"event_type"`
	Target    string    `gorm:"not null;default:''" json:"target,omitempty"`
	Outcome   string    `gorm:"size:16;not null;default:''" json:"outcome"`
	SourceIP  string    `gorm:"size:64;not null;default:''" json:"source_ip,omitempty"`
	Details   string    `gorm:"type:text;not null;default:''" json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
