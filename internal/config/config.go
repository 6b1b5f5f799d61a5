package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "45s" or "1h30m". Bare integers are interpreted as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Port            string   `yaml:"port"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Audiobookshelf is the source library server
	Audiobookshelf struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"audiobookshelf"`

	// Hardcover target service configuration
	Hardcover struct {
		Enabled       bool     `yaml:"enabled"`
		Token         string   `yaml:"token"`
		RateLimit     Duration `yaml:"rate_limit"`
		Burst         int      `yaml:"burst"`
		MaxConcurrent int      `yaml:"max_concurrent"`
	} `yaml:"hardcover"`

	// Storygraph target service configuration
	Storygraph struct {
		Enabled         bool     `yaml:"enabled"`
		Email           string   `yaml:"email"`
		Password        string   `yaml:"password"`
		BaseURL         string   `yaml:"base_url"`
		RequestInterval Duration `yaml:"request_interval"`
		MaxConcurrent   int      `yaml:"max_concurrent"`
		SessionFile     string   `yaml:"session_file"`
	} `yaml:"storygraph"`

	// Sync engine settings
	Sync struct {
		Interval         Duration `yaml:"interval"`
		MinListenMinutes int      `yaml:"min_listen_minutes"`
		RematchAfter     Duration `yaml:"rematch_after"`
		ForceRematch     bool     `yaml:"force_rematch"`
		DryRun           bool     `yaml:"dry_run"`
		ExcludeLibraries []string `yaml:"exclude_libraries"`
	} `yaml:"sync"`

	// Database connection settings
	Database struct {
		Type     string `yaml:"type"`
		Path     string `yaml:"path"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"database"`

	// File paths
	Paths struct {
		DataDir           string `yaml:"data_dir"`
		MismatchOutputDir string `yaml:"mismatch_output_dir"`
		LockFile          string `yaml:"lock_file"`
	} `yaml:"paths"`
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing priority order.
func Load(configFile string) (*Config, error) {
	cfg := defaults()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			fileCfg, err := LoadFromFile(configFile)
			if err != nil {
				return nil, err
			}
			mergeConfigs(cfg, fileCfg)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Hardcover.RateLimit = Duration(200 * time.Millisecond)
	cfg.Hardcover.Burst = 5
	cfg.Hardcover.MaxConcurrent = 3
	cfg.Storygraph.BaseURL = "https://app.thestorygraph.com"
	cfg.Storygraph.RequestInterval = Duration(time.Second)
	cfg.Storygraph.MaxConcurrent = 1
	cfg.Storygraph.SessionFile = "./data/storygraph_session.json"
	cfg.Sync.Interval = Duration(time.Hour)
	cfg.Sync.MinListenMinutes = 10
	cfg.Sync.RematchAfter = Duration(168 * time.Hour)
	cfg.Database.Type = "sqlite"
	cfg.Database.Path = "./data/shelfsync.db"
	cfg.Database.SSLMode = "prefer"
	cfg.Paths.DataDir = "./data"
	cfg.Paths.MismatchOutputDir = "./data/mismatches"
	cfg.Paths.LockFile = "./data/shelfsync.lock"
	return cfg
}

// loadFromEnv applies environment overrides on top of cfg
func loadFromEnv(cfg *Config) {
	if url := os.Getenv("AUDIOBOOKSHELF_URL"); url != "" {
		cfg.Audiobookshelf.URL = strings.TrimSuffix(url, "/")
	}
	if token := os.Getenv("AUDIOBOOKSHELF_TOKEN"); token != "" {
		cfg.Audiobookshelf.Token = token
	}

	if v, set := os.LookupEnv("HARDCOVER_ENABLED"); set {
		cfg.Hardcover.Enabled = parseBool(v)
	}
	if token := os.Getenv("HARDCOVER_TOKEN"); token != "" {
		cfg.Hardcover.Token = token
	}
	if d := getDurationFromEnv("HARDCOVER_RATE_LIMIT", 0); d > 0 {
		cfg.Hardcover.RateLimit = Duration(d)
	}
	if n := getIntFromEnv("HARDCOVER_MAX_CONCURRENT", 0); n > 0 {
		cfg.Hardcover.MaxConcurrent = n
	}

	if v, set := os.LookupEnv("STORYGRAPH_ENABLED"); set {
		cfg.Storygraph.Enabled = parseBool(v)
	}
	if email := os.Getenv("STORYGRAPH_EMAIL"); email != "" {
		cfg.Storygraph.Email = email
	}
	if password := os.Getenv("STORYGRAPH_PASSWORD"); password != "" {
		cfg.Storygraph.Password = password
	}
	if url := os.Getenv("STORYGRAPH_URL"); url != "" {
		cfg.Storygraph.BaseURL = strings.TrimSuffix(url, "/")
	}
	if d := getDurationFromEnv("STORYGRAPH_REQUEST_INTERVAL", 0); d > 0 {
		cfg.Storygraph.RequestInterval = Duration(d)
	}
	if path := os.Getenv("STORYGRAPH_SESSION_FILE"); path != "" {
		cfg.Storygraph.SessionFile = path
	}

	if d := getDurationFromEnv("SYNC_INTERVAL", 0); d > 0 {
		cfg.Sync.Interval = Duration(d)
	}
	if n := getIntFromEnv("MIN_LISTEN_MINUTES", -1); n >= 0 {
		cfg.Sync.MinListenMinutes = n
	}
	if d := getDurationFromEnv("REMATCH_AFTER", 0); d > 0 {
		cfg.Sync.RematchAfter = Duration(d)
	}
	if v, set := os.LookupEnv("FORCE_REMATCH"); set {
		cfg.Sync.ForceRematch = parseBool(v)
	}
	if v, set := os.LookupEnv("DRY_RUN"); set {
		cfg.Sync.DryRun = parseBool(v)
	}
	if v := os.Getenv("SYNC_EXCLUDE_LIBRARIES"); v != "" {
		cfg.Sync.ExcludeLibraries = splitList(v)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if d := getDurationFromEnv("SHUTDOWN_TIMEOUT", 0); d > 0 {
		cfg.Server.ShutdownTimeout = Duration(d)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if dbType := os.Getenv("DATABASE_TYPE"); dbType != "" {
		cfg.Database.Type = strings.ToLower(dbType)
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if host := os.Getenv("DATABASE_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := getIntFromEnv("DATABASE_PORT", 0); port > 0 {
		cfg.Database.Port = port
	}
	if name := os.Getenv("DATABASE_NAME"); name != "" {
		cfg.Database.Name = name
	}
	if user := os.Getenv("DATABASE_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("DATABASE_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if sslMode := os.Getenv("DATABASE_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Paths.DataDir = dir
	}
	if dir := os.Getenv("MISMATCH_OUTPUT_DIR"); dir != "" {
		cfg.Paths.MismatchOutputDir = dir
	}
	if path := os.Getenv("LOCK_FILE"); path != "" {
		cfg.Paths.LockFile = path
	}
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Audiobookshelf.URL == "" {
		return &ConfigError{Field: "audiobookshelf.url", Msg: "source library URL is required"}
	}
	if c.Audiobookshelf.Token == "" {
		return &ConfigError{Field: "audiobookshelf.token", Msg: "source library API token is required"}
	}
	if !c.Hardcover.Enabled && !c.Storygraph.Enabled {
		return &ConfigError{Field: "hardcover.enabled, storygraph.enabled", Msg: "at least one target service must be enabled"}
	}
	if c.Hardcover.Enabled && c.Hardcover.Token == "" {
		return &ConfigError{Field: "hardcover.token", Msg: "token is required when hardcover is enabled"}
	}
	if c.Storygraph.Enabled && (c.Storygraph.Email == "" || c.Storygraph.Password == "") {
		return &ConfigError{Field: "storygraph.email, storygraph.password", Msg: "credentials are required when storygraph is enabled"}
	}
	if c.Sync.Interval <= 0 {
		return &ConfigError{Field: "sync.interval", Msg: "sync interval must be positive"}
	}
	if c.Sync.MinListenMinutes < 0 {
		return &ConfigError{Field: "sync.min_listen_minutes", Msg: "minimum listen minutes cannot be negative"}
	}
	if c.Sync.RematchAfter <= 0 {
		return &ConfigError{Field: "sync.rematch_after", Msg: "rematch interval must be positive"}
	}
	switch c.Database.Type {
	case "sqlite", "sqlite-pure":
		if c.Database.Path == "" {
			return &ConfigError{Field: "database.path", Msg: "sqlite database path is required"}
		}
	case "postgresql", "postgres", "mysql", "mariadb":
		if c.Database.Host == "" || c.Database.Name == "" {
			return &ConfigError{Field: "database.host, database.name", Msg: "host and name are required for " + c.Database.Type}
		}
	default:
		return &ConfigError{Field: "database.type", Msg: "unsupported database type " + c.Database.Type}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Msg
}

// MinListenTime returns the listen threshold as a duration
func (c *Config) MinListenTime() time.Duration {
	return time.Duration(c.Sync.MinListenMinutes) * time.Minute
}

// mergeConfigs copies non-zero values from src into dst, recursing into
// the nested section structs. Booleans only merge when true; an explicit
// false comes from defaults or the environment.
func mergeConfigs(dst, src *Config) {
	mergeValues(reflect.ValueOf(dst).Elem(), reflect.ValueOf(src).Elem())
}

func mergeValues(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		dstField := dst.Field(i)
		srcField := src.Field(i)
		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Struct:
			mergeValues(dstField, srcField)
		case reflect.String:
			if srcField.String() != "" {
				dstField.SetString(srcField.String())
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if srcField.Int() != 0 {
				dstField.SetInt(srcField.Int())
			}
		case reflect.Float32, reflect.Float64:
			if srcField.Float() != 0 {
				dstField.SetFloat(srcField.Float())
			}
		case reflect.Bool:
			if srcField.Bool() {
				dstField.SetBool(true)
			}
		}
	}
}

// Helper functions for environment variable parsing

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(value), "yes")
	}
	return b
}

// splitList parses a comma separated env value into trimmed entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
