// Package config loads and validates the server configuration from the
// environment. Every knob has a default registered here so the rest of the
// code never reads os.Getenv directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the listener and transport tunables. The SOCKETIO_* values are
// kept in milliseconds on the wire to stay compatible with the reference
// client's configuration surface.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 3031

	DefaultPingTimeoutMS    = 60000
	DefaultPingIntervalMS   = 25000
	DefaultUpgradeTimeoutMS = 10000
	DefaultMaxBufferSize    = 10_000_000

	DefaultFullSyncBatchSize     = 1000
	DefaultFullSyncTimeoutMS     = 300000
	DefaultFullSyncRetryAttempts = 3
	DefaultCSVSyncThreshold      = 5000

	DefaultUploadsDir = "uploads"

	DefaultDBPort          = 3306
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute

	DefaultTenantCacheTTL = 5 * time.Minute
	DefaultPresenceTTL    = 90 * time.Second
)

// DB holds connection parameters for one MySQL-protocol endpoint.
type DB struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Configured reports whether this endpoint has enough fields set to be used.
func (d DB) Configured() bool {
	return d.Host != "" && d.User != ""
}

// Config is the full server configuration, resolved once at startup.
type Config struct {
	Host string
	Port int

	// Transport tunables, already converted from wire milliseconds.
	PingTimeout    time.Duration
	PingInterval   time.Duration
	UpgradeTimeout time.Duration
	MaxBufferSize  int64

	// TargetDB is the store row data lands in. Databases are selected
	// per-tenant at runtime, so Name stays empty here.
	TargetDB DB

	// TenantDB optionally holds the tenant directory table. When it is not
	// configured the directory falls back to TenantFile.
	TenantDB       DB
	TenantFile     string
	TenantCacheTTL time.Duration

	FullSyncBatchSize     int
	FullSyncTimeout       time.Duration
	FullSyncRetryAttempts int
	CSVSyncThreshold      int

	UploadsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	LogLevel string
	LogJSON  bool
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)

	v.SetDefault("socketio_ping_timeout", DefaultPingTimeoutMS)
	v.SetDefault("socketio_ping_interval", DefaultPingIntervalMS)
	v.SetDefault("socketio_upgrade_timeout", DefaultUpgradeTimeoutMS)
	v.SetDefault("socketio_max_buffer_size", DefaultMaxBufferSize)

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", DefaultDBPort)
	v.SetDefault("db_user", "root")
	v.SetDefault("db_password", "")
	v.SetDefault("db_max_open_conns", DefaultMaxOpenConns)
	v.SetDefault("db_max_idle_conns", DefaultMaxIdleConns)
	v.SetDefault("db_conn_max_lifetime", DefaultConnMaxLifetime.String())

	v.SetDefault("tenant_db_host", "")
	v.SetDefault("tenant_db_port", DefaultDBPort)
	v.SetDefault("tenant_db_user", "")
	v.SetDefault("tenant_db_password", "")
	v.SetDefault("tenant_db_name", "")
	v.SetDefault("tenant_file", "")
	v.SetDefault("tenant_cache_ttl", DefaultTenantCacheTTL.String())

	v.SetDefault("full_sync_batch_size", DefaultFullSyncBatchSize)
	v.SetDefault("full_sync_timeout", DefaultFullSyncTimeoutMS)
	v.SetDefault("full_sync_retry_attempts", DefaultFullSyncRetryAttempts)
	v.SetDefault("csv_sync_threshold", DefaultCSVSyncThreshold)

	v.SetDefault("uploads_dir", DefaultUploadsDir)

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("presence_ttl", DefaultPresenceTTL.String())

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	cfg := &Config{
		Host: v.GetString("host"),
		Port: v.GetInt("port"),

		PingTimeout:    time.Duration(v.GetInt("socketio_ping_timeout")) * time.Millisecond,
		PingInterval:   time.Duration(v.GetInt("socketio_ping_interval")) * time.Millisecond,
		UpgradeTimeout: time.Duration(v.GetInt("socketio_upgrade_timeout")) * time.Millisecond,
		MaxBufferSize:  v.GetInt64("socketio_max_buffer_size"),

		TargetDB: DB{
			Host:            v.GetString("db_host"),
			Port:            v.GetInt("db_port"),
			User:            v.GetString("db_user"),
			Password:        v.GetString("db_password"),
			MaxOpenConns:    v.GetInt("db_max_open_conns"),
			MaxIdleConns:    v.GetInt("db_max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("db_conn_max_lifetime"),
		},

		TenantDB: DB{
			Host:            v.GetString("tenant_db_host"),
			Port:            v.GetInt("tenant_db_port"),
			User:            v.GetString("tenant_db_user"),
			Password:        v.GetString("tenant_db_password"),
			Name:            v.GetString("tenant_db_name"),
			MaxOpenConns:    DefaultMaxIdleConns,
			MaxIdleConns:    2,
			ConnMaxLifetime: DefaultConnMaxLifetime,
		},
		TenantFile:     v.GetString("tenant_file"),
		TenantCacheTTL: v.GetDuration("tenant_cache_ttl"),

		FullSyncBatchSize:     v.GetInt("full_sync_batch_size"),
		FullSyncTimeout:       time.Duration(v.GetInt("full_sync_timeout")) * time.Millisecond,
		FullSyncRetryAttempts: v.GetInt("full_sync_retry_attempts"),
		CSVSyncThreshold:      v.GetInt("csv_sync_threshold"),

		UploadsDir: v.GetString("uploads_dir"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		PresenceTTL:   v.GetDuration("presence_ttl"),

		LogLevel: v.GetString("log_level"),
		LogJSON:  v.GetBool("log_json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values the server cannot
// start with. It collects all problems rather than stopping at the first.
func (c *Config) Validate() error {
	var issues []string

	if c.Port < 1 || c.Port > 65535 {
		issues = append(issues, fmt.Sprintf("port: %d is out of range", c.Port))
	}
	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		issues = append(issues, "socketio_ping_interval and socketio_ping_timeout must be positive")
	}
	if c.MaxBufferSize <= 0 {
		issues = append(issues, "socketio_max_buffer_size must be positive")
	}
	if c.FullSyncBatchSize < 1 {
		issues = append(issues, fmt.Sprintf("full_sync_batch_size: %d must be at least 1", c.FullSyncBatchSize))
	}
	if c.FullSyncRetryAttempts < 0 {
		issues = append(issues, "full_sync_retry_attempts must not be negative")
	}
	if c.UploadsDir == "" {
		issues = append(issues, "uploads_dir must not be empty")
	}
	if !c.TargetDB.Configured() {
		issues = append(issues, "db_host and db_user are required")
	}
	if !c.TenantDB.Configured() && c.TenantFile == "" {
		issues = append(issues, "tenant directory: set tenant_db_* or tenant_file")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		issues = append(issues, err.Error())
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(issues, "\n  "))
	}
	return nil
}

// ParseLevel validates a log level string and returns its canonical form.
func ParseLevel(s string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); l {
	case "debug", "info", "warn", "error":
		return l, nil
	case "warning":
		return "warn", nil
	default:
		return "", fmt.Errorf("log_level: %q is invalid (valid values: debug, info, warn, error)", s)
	}
}
