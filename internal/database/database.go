// Package database persists match mappings and sync history behind a
// small repository API. SQLite is the default backend; PostgreSQL and
// MySQL are supported for shared deployments.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	appLogger "github.com/shelfsync/shelfsync/internal/logger"
)

// Database wraps the GORM database connection
type Database struct {
	db     *gorm.DB
	config *DatabaseConfig
	logger *appLogger.Logger
}

// New connects to the configured database, falling back to SQLite when
// the configured backend is unreachable, and runs schema migrations.
func New(cfg *DatabaseConfig, log *appLogger.Logger) (*Database, error) {
	db, activeCfg, err := ConnectWithFallback(cfg, log)
	if err != nil {
		return nil, err
	}

	database := &Database{
		db:     db,
		config: activeCfg,
		logger: log,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// migrate keeps the schema in sync with the models
func (d *Database) migrate() error {
	err := d.db.AutoMigrate(
		&Mapping{},
		&SyncRun{},
		&SyncRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	if d.logger != nil {
		d.logger.Debug("Database migrations completed", nil)
	}
	return nil
}

// sqlDB exposes the connection pool beneath GORM.
func (d *Database) sqlDB() (*sql.DB, error) {
	pool, err := d.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return pool, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	pool, err := d.sqlDB()
	if err != nil {
		return err
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// GetDB returns the underlying GORM database instance
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

// Config returns the configuration the connection was established with
func (d *Database) Config() *DatabaseConfig {
	return d.config
}

// Health checks the database connection
func (d *Database) Health() error {
	pool, err := d.sqlDB()
	if err != nil {
		return err
	}
	if err := pool.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// GetDefaultDatabasePath returns the default path for the database file
func GetDefaultDatabasePath() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "shelfsync.db")
}
