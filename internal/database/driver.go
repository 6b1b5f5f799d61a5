package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appLogger "github.com/shelfsync/shelfsync/internal/logger"
)

// DatabaseDriver is the contract a database backend implements
type DatabaseDriver interface {
	Connect(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error)
	GetDialector(config *DatabaseConfig) gorm.Dialector
	PrepareDatabase(config *DatabaseConfig) error
}

// poolSettings tunes the sql.DB connection pool per backend.
type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// singleWriter serializes all access. SQLite does not support
// concurrent writers.
var singleWriter = poolSettings{maxOpen: 1, maxIdle: 1, maxLifetime: time.Hour}

// serverPool derives pool settings for server backends from the config.
func serverPool(config *DatabaseConfig) poolSettings {
	return poolSettings{
		maxOpen:     config.MaxOpenConns,
		maxIdle:     config.MaxIdleConns,
		maxLifetime: time.Duration(config.ConnMaxLifetime) * time.Minute,
	}
}

// openWithPool opens a gorm connection with query logging silenced and
// the pool applied. GORM's own SQL trace is noise next to ours.
func openWithPool(dialector gorm.Dialector, pool poolSettings, backend string) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", backend, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.maxOpen)
	sqlDB.SetMaxIdleConns(pool.maxIdle)
	sqlDB.SetConnMaxLifetime(pool.maxLifetime)

	return db, nil
}

// ensureDatabaseDir creates the directory holding a file-backed database.
func ensureDatabaseDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// SQLiteDriver implements DatabaseDriver for SQLite via the cgo driver
type SQLiteDriver struct{}

func (d *SQLiteDriver) Connect(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error) {
	if err := d.PrepareDatabase(config); err != nil {
		return nil, err
	}
	return openWithPool(d.GetDialector(config), singleWriter, "SQLite")
}

func (d *SQLiteDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return sqlite.Open(config.Path)
}

func (d *SQLiteDriver) PrepareDatabase(config *DatabaseConfig) error {
	return ensureDatabaseDir(config.Path)
}

// PostgreSQLDriver implements DatabaseDriver for PostgreSQL
type PostgreSQLDriver struct{}

func (d *PostgreSQLDriver) Connect(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error) {
	return openWithPool(d.GetDialector(config), serverPool(config), "PostgreSQL")
}

func (d *PostgreSQLDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return postgres.Open(config.GetDSN())
}

func (d *PostgreSQLDriver) PrepareDatabase(config *DatabaseConfig) error {
	// PostgreSQL databases are created externally
	return nil
}

// MySQLDriver implements DatabaseDriver for MySQL and MariaDB
type MySQLDriver struct{}

func (d *MySQLDriver) Connect(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error) {
	return openWithPool(d.GetDialector(config), serverPool(config), "MySQL")
}

func (d *MySQLDriver) GetDialector(config *DatabaseConfig) gorm.Dialector {
	return mysql.Open(config.GetDSN())
}

func (d *MySQLDriver) PrepareDatabase(config *DatabaseConfig) error {
	// MySQL databases are created externally
	return nil
}

// GetDatabaseDriver returns the driver for the given database type
func GetDatabaseDriver(dbType DatabaseType) (DatabaseDriver, error) {
	switch dbType {
	case DatabaseTypeSQLite:
		return &SQLiteDriver{}, nil
	case DatabaseTypeSQLitePure:
		return &PureSQLiteDriver{}, nil
	case DatabaseTypePostgreSQL:
		return &PostgreSQLDriver{}, nil
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return &MySQLDriver{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// ConnectWithFallback connects to the configured database. When the
// configuration is invalid or the backend unreachable it falls back to
// a local SQLite file: sync history is better written somewhere than
// lost with the run.
func ConnectWithFallback(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, *DatabaseConfig, error) {
	db, err := connectConfigured(config, log)
	if err != nil {
		if log != nil {
			log.Warn("Falling back to local SQLite database", map[string]interface{}{
				"error": err.Error(),
				"type":  string(config.Type),
				"host":  config.Host,
			})
		}
		return connectSQLiteFallback(log)
	}

	if log != nil {
		log.Info("Connected to database", map[string]interface{}{
			"type": string(config.Type),
			"host": config.Host,
		})
	}
	return db, config, nil
}

// connectConfigured validates the config, picks the driver and connects.
func connectConfigured(config *DatabaseConfig, log *appLogger.Logger) (*gorm.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	driver, err := GetDatabaseDriver(config.Type)
	if err != nil {
		return nil, err
	}
	return driver.Connect(config, log)
}

func connectSQLiteFallback(log *appLogger.Logger) (*gorm.DB, *DatabaseConfig, error) {
	fallback := &DatabaseConfig{
		Type: DatabaseTypeSQLite,
		Path: GetDefaultDatabasePath(),
	}

	db, err := (&SQLiteDriver{}).Connect(fallback, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to fallback SQLite database: %w", err)
	}

	if log != nil {
		log.Info("Connected to fallback SQLite database", map[string]interface{}{
			"path": fallback.Path,
		})
	}
	return db, fallback, nil
}
