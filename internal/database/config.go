package database

import (
	"fmt"
	"strings"

	"github.com/shelfsync/shelfsync/internal/config"
)

// DatabaseType represents the supported database backends
type DatabaseType string

const (
	DatabaseTypeSQLite     DatabaseType = "sqlite"
	DatabaseTypeSQLitePure DatabaseType = "sqlite-pure"
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
	DatabaseTypeMariaDB    DatabaseType = "mariadb"
)

// DatabaseConfig holds the connection settings for a database backend
type DatabaseConfig struct {
	Type     DatabaseType `json:"type" yaml:"type"`
	Host     string       `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int          `json:"port,omitempty" yaml:"port,omitempty"`
	Database string       `json:"database,omitempty" yaml:"database,omitempty"`
	Username string       `json:"username,omitempty" yaml:"username,omitempty"`
	Password string       `json:"password,omitempty" yaml:"password,omitempty"`
	SSLMode  string       `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`
	Path     string       `json:"path,omitempty" yaml:"path,omitempty"` // For SQLite

	// Connection pool settings
	MaxOpenConns    int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"` // in minutes
}

// ConfigFromApp builds a DatabaseConfig from the application configuration
func ConfigFromApp(appCfg *config.Config) *DatabaseConfig {
	if appCfg == nil {
		return &DatabaseConfig{Type: DatabaseTypeSQLite, Path: GetDefaultDatabasePath()}
	}

	cfg := &DatabaseConfig{
		Type:     DatabaseTypeSQLite,
		Path:     appCfg.Database.Path,
		Host:     appCfg.Database.Host,
		Port:     appCfg.Database.Port,
		Database: appCfg.Database.Name,
		Username: appCfg.Database.User,
		Password: appCfg.Database.Password,
		SSLMode:  appCfg.Database.SSLMode,
	}

	switch strings.ToLower(appCfg.Database.Type) {
	case "postgresql", "postgres":
		cfg.Type = DatabaseTypePostgreSQL
	case "mysql":
		cfg.Type = DatabaseTypeMySQL
	case "mariadb":
		cfg.Type = DatabaseTypeMariaDB
	case "sqlite-pure":
		cfg.Type = DatabaseTypeSQLitePure
	}

	if cfg.Path == "" {
		cfg.Path = GetDefaultDatabasePath()
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}

	if cfg.Type != DatabaseTypeSQLite && cfg.Type != DatabaseTypeSQLitePure {
		if cfg.Port == 0 {
			switch cfg.Type {
			case DatabaseTypePostgreSQL:
				cfg.Port = 5432
			case DatabaseTypeMySQL, DatabaseTypeMariaDB:
				cfg.Port = 3306
			}
		}
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 60
		}
	}

	return cfg
}

// Validate checks if the database configuration is usable
func (c *DatabaseConfig) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite, DatabaseTypeSQLitePure:
		if c.Path == "" {
			return fmt.Errorf("SQLite database path is required")
		}
	case DatabaseTypePostgreSQL, DatabaseTypeMySQL, DatabaseTypeMariaDB:
		if c.Host == "" {
			return fmt.Errorf("database host is required for %s", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("database name is required for %s", c.Type)
		}
		if c.Port <= 0 {
			return fmt.Errorf("valid database port is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// GetDSN returns the data source name for the database connection
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case DatabaseTypeSQLite, DatabaseTypeSQLitePure:
		return c.Path
	case DatabaseTypePostgreSQL:
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
			c.Host, c.Port, c.Database, c.SSLMode)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		return dsn
	case DatabaseTypeMySQL, DatabaseTypeMariaDB:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.Username, c.Password, c.Host, c.Port, c.Database)
	default:
		return ""
	}
}
