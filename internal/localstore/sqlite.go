package localstore

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is one persisted key/value pair.
type Record struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:entry_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "local_entries"
}

// SQLiteStore persists values in a local SQLite database through GORM.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore wraps a database whose schema includes Record.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("localstore: database handle is required")
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

func (s *SQLiteStore) Read(key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var record Record
	err := s.db.Where("entry_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localstore: read %s: %w", key, err)
	}
	return []byte(record.Value), true, nil
}

func (s *SQLiteStore) Write(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	record := Record{
		Key:              key,
		Value:            string(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.db.Where("entry_key = ?", key).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("localstore: remove %s: %w", key, err)
	}
	return nil
}
