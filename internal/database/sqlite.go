package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/lamrim/internal/devices"
	"github.com/MarcoPoloResearchLab/lamrim/internal/docstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
)

// OpenServerDatabase opens the remote document store database and applies
// schema migrations.
func OpenServerDatabase(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&docstore.ProgressDocument{}, &docstore.NoteDocument{}, &devices.Device{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, serverMigrations(), zapLogger); err != nil {
		return nil, err
	}
	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path), zap.String("role", "server"))
	}
	return db, nil
}

// OpenClientDatabase opens the device-local key/value database.
func OpenClientDatabase(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&localstore.Record{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, clientMigrations(), zapLogger); err != nil {
		return nil, err
	}
	if zapLogger != nil {
		zapLogger.Debug("database initialized", zap.String("path", path), zap.String("role", "client"))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
