package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	appLogger "github.com/shelfsync/shelfsync/internal/logger"

	// Pure Go SQLite driver, usable without cgo
	_ "modernc.org/sqlite"
)

// PureSQLiteDriver implements DatabaseDriver for SQLite on top of the
// pure Go driver, for builds where cgo is unavailable.
type PureSQLiteDriver struct{}

func (d *PureSQLiteDriver) Connect(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error) {
	if err := d.PrepareDatabase(config); err != nil {
		return nil, err
	}

	db, err := openWithPool(d.GetDialector(config), singleWriter, "SQLite (pure Go)")
	if err != nil {
		return nil, err
	}

	// modernc starts with conservative defaults, the cgo driver sets
	// these on its own.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil && log != nil {
			log.Warn("Failed to apply SQLite pragma", map[string]interface{}{
				"pragma": pragma,
				"error":  err.Error(),
			})
		}
	}

	return db, nil
}

func (d *PureSQLiteDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	// DriverName "sqlite" selects the registered modernc driver
	return sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}
}

func (d *PureSQLiteDriver) PrepareDatabase(config *DatabaseConfig) error {
	return ensureDatabaseDir(config.Path)
}
