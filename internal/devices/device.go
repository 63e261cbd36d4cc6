package devices

import (
	"strings"
	"time"
)

const defaultDeviceLabel = "default"

// Device records a device token issued to a user and when it was last used.
type Device struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Label      string    `gorm:"column:device_label;primaryKey;size:190;not null"`
	IssuedAt   time.Time `gorm:"column:issued_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;index"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing device registrations.
func (Device) TableName() string {
	return "device_registrations"
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultDeviceLabel
	}
	return trimmed
}
