package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/lamrim/internal/docstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

const (
	migrationUpgradeProgressDocuments = "2024-06-01_upgrade_progress_documents_v2"
	migrationUpgradeLocalProgress     = "2024-06-01_upgrade_local_progress_v2"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationUpgradeProgressDocuments, apply: upgradeProgressDocuments},
	}
}

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationUpgradeLocalProgress, apply: upgradeLocalProgress},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// upgradeProgressDocuments rewrites documents stored in a legacy entry
// shape so every stored document carries per-field timestamps.
func upgradeProgressDocuments(db *gorm.DB) error {
	var documents []docstore.ProgressDocument
	if err := db.Where("schema_version < ?", progress.CurrentSchemaVersion).Find(&documents).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, document := range documents {
			payload, ok, err := rewriteProgress([]byte(document.PayloadJSON))
			if err != nil {
				return err
			}
			updates := map[string]any{"schema_version": progress.CurrentSchemaVersion}
			if ok {
				updates["payload_json"] = string(payload)
			}
			if err := tx.Model(&docstore.ProgressDocument{}).
				Where("user_id = ?", document.UserID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func upgradeLocalProgress(db *gorm.DB) error {
	var record localstore.Record
	err := db.Where("entry_key = ?", localstore.KeyProgress).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	payload, ok, err := rewriteProgress([]byte(record.Value))
	if err != nil || !ok {
		return err
	}
	return db.Model(&localstore.Record{}).
		Where("entry_key = ?", localstore.KeyProgress).
		Update("entry_value", string(payload)).Error
}

// rewriteProgress re-encodes a payload in the current schema. It reports
// false when the payload already is current. Undecodable payloads are left
// alone for the readers to reject.
func rewriteProgress(data []byte) ([]byte, bool, error) {
	snapshot, lowest, err := progress.Inspect(data)
	if err != nil {
		return nil, false, nil
	}
	if lowest >= progress.CurrentSchemaVersion {
		return nil, false, nil
	}
	for sectionID, entry := range snapshot {
		if entry.IsDefault() {
			delete(snapshot, sectionID)
		}
	}
	payload, err := progress.EncodeSnapshot(snapshot)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
