// Package testdb wires a throwaway SQLite-backed row service and change hub for tests.
package testdb

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/database"
	"github.com/MarcoPoloResearchLab/collab/internal/datastore"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backend is an in-process stand-in for the hosted service.
type Backend struct {
	Database *gorm.DB
	Hub      *realtime.Hub
	Rows     *datastore.Service
}

// Options tunes the backend. Zero values select defaults.
type Options struct {
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// New opens a fresh database in t's temp dir. It is closed on cleanup.
func New(t testing.TB) *Backend {
	t.Helper()
	return NewWithOptions(t, Options{})
}

// NewWithOptions is New with explicit dependencies.
func NewWithOptions(t testing.TB, opts Options) *Backend {
	t.Helper()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := opts.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "collab.db"), logger)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	for _, pragma := range []string{"PRAGMA journal_mode=MEMORY", "PRAGMA synchronous=OFF"} {
		if err := db.Exec(pragma).Error; err != nil {
			t.Fatalf("failed to apply %q: %v", pragma, err)
		}
	}

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})
	service, err := datastore.NewService(datastore.ServiceConfig{
		Database:   db,
		Clock:      opts.Clock,
		IDProvider: idProvider,
		Logger:     logger,
		Publisher:  hub,
	})
	if err != nil {
		t.Fatalf("failed to construct datastore: %v", err)
	}

	return &Backend{Database: db, Hub: hub, Rows: service}
}

// SteppingClock returns a clock that advances one second per call, starting
// one second after start. Distinct timestamps keep ordering tests deterministic.
func SteppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start.UTC()
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}
