// Package devices keeps the registry of device tokens issued by the
// document store and records when each device last synced.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
)

const defaultTouchInterval = time.Minute

// ErrInvalidDevice indicates a registration without a usable user id.
var ErrInvalidDevice = errors.New("devices: invalid device")

// ServiceConfig describes the dependencies of the device registry.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	TouchInterval time.Duration
}

// Service manages device registrations.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	touchInterval time.Duration
	lastTouched   sync.Map
}

// NewService constructs the device registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.TouchInterval
	if interval <= 0 {
		interval = defaultTouchInterval
	}
	return &Service{
		db:            cfg.Database,
		now:           clock,
		touchInterval: interval,
	}, nil
}

// Register records a freshly issued token, replacing an earlier
// registration of the same device.
func (s *Service) Register(ctx context.Context, userID identity.UserID, label string, issuedAt, expiresAt time.Time) error {
	if userID == "" {
		return ErrInvalidDevice
	}
	device := Device{
		UserID:    userID.String(),
		Label:     normalizeLabel(label),
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_label"}},
			DoUpdates: clause.AssignmentColumns([]string{"issued_at", "expires_at", "updated_at"}),
		}).
		Create(&device).
		Error
}

// Touch marks the device as seen. Writes are throttled per device; a
// device unknown to the registry is created on first sight.
func (s *Service) Touch(ctx context.Context, userID identity.UserID, label string) error {
	if userID == "" {
		return ErrInvalidDevice
	}
	label = normalizeLabel(label)
	now := s.now().UTC()

	cacheKey := userID.String() + ":" + label
	if cached, ok := s.lastTouched.Load(cacheKey); ok {
		if last, ok := cached.(time.Time); ok && now.Sub(last) < s.touchInterval {
			return nil
		}
	}

	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("user_id = ? AND device_label = ?", userID.String(), label).
		Update("last_seen_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		device := Device{UserID: userID.String(), Label: label, LastSeenAt: now}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&device).Error; err != nil {
			return err
		}
	}

	s.lastTouched.Store(cacheKey, now)
	return nil
}

// List returns the devices of a user, most recently seen first.
func (s *Service) List(ctx context.Context, userID identity.UserID) ([]Device, error) {
	var devices []Device
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("last_seen_at DESC").
		Order("device_label ASC").
		Find(&devices).
		Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}
