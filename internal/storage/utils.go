package storage

import (
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// Drivers accepted by InitStore.
const (
	PostgresDriver = "postgres"
	SQLiteDriver   = "sqlite"
	MemoryDriver   = "memory"
)

// InitStore opens the run store and the lead store for driver. The memory
// driver ignores dsn and keeps everything in process.
func InitStore(driver, dsn string) (storage.Store, Leads, error) {
	switch driver {
	case PostgresDriver:
		store, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Leads(), nil
	case SQLiteDriver, "sqlite3":
		if dsn == "" {
			dsn = "leadflow.db"
		}
		store, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Leads(), nil
	case MemoryDriver:
		return storage.NewMemoryStore(), NewMemoryLeads(), nil
	}
	return nil, nil, errors.Errorf("unknown database driver %q", driver)
}
