package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/collab/internal/datastore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const busyTimeoutMillis = 5000

// OpenSQLite opens the service database at path, creating its directory when
// missing, and brings the schema up to date.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single connection serializes writers; the datastore relies on this for
	// its check-then-write transactions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)).Error; err != nil {
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	tables := append(datastore.Models(), &auth.Account{}, &migrationRecord{})
	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := applyMigrations(db, log); err != nil {
		return nil, err
	}

	log.Info("database initialized", zap.String("path", path), zap.Int("tables", len(tables)))
	return db, nil
}
