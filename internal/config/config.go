// Package config loads agent configuration from environment variables.
//
// With FLAGSYNC_APP_KEY unset the agent runs offline and serves only
// FLAGSYNC_DEFAULT_FLAGS. With it set, FLAGSYNC_BASE_URL is required.
// Durations use Go syntax ("500ms", "5m") and must be > 0.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Upload protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// Snapshot backends.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the runtime configuration for the flagsync agent.
type Config struct {
	AppKey      string `env:"FLAGSYNC_APP_KEY"`
	Environment string `env:"FLAGSYNC_ENVIRONMENT" envDefault:"Production"`
	BaseURL     string `env:"FLAGSYNC_BASE_URL"`

	UploadAddr     string `env:"FLAGSYNC_UPLOAD_ADDR"`
	UploadProtocol string `env:"FLAGSYNC_UPLOAD_PROTOCOL" envDefault:"grpc"`

	RefreshInterval     time.Duration `env:"FLAGSYNC_REFRESH_INTERVAL" envDefault:"5m"`
	FetchTimeout        time.Duration `env:"FLAGSYNC_FETCH_TIMEOUT" envDefault:"10s"`
	LiveUpdateSpacing   time.Duration `env:"FLAGSYNC_LIVE_UPDATE_SPACING" envDefault:"1s"`
	ReadyAttempts       int           `env:"FLAGSYNC_READY_ATTEMPTS" envDefault:"5"`
	ReadyInterval       time.Duration `env:"FLAGSYNC_READY_INTERVAL" envDefault:"500ms"`
	FlushInterval       time.Duration `env:"FLAGSYNC_FLUSH_INTERVAL" envDefault:"1m"`
	UniqueResetInterval time.Duration `env:"FLAGSYNC_UNIQUE_RESET_INTERVAL" envDefault:"24h"`
	UploadTimeout       time.Duration `env:"FLAGSYNC_UPLOAD_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout     time.Duration `env:"FLAGSYNC_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	RawDefaultFlags  string          `env:"FLAGSYNC_DEFAULT_FLAGS"`
	DefaultFlags     map[string]bool `env:"-"`
	UndefinedEnabled bool            `env:"FLAGSYNC_UNDEFINED_ENABLED"`

	InstanceName string `env:"FLAGSYNC_INSTANCE_NAME"`
	AppVersion   string `env:"FLAGSYNC_APP_VERSION"`

	HTTPAddr       string `env:"FLAGSYNC_HTTP_ADDR" envDefault:":8080"`
	IdentityHeader string `env:"FLAGSYNC_IDENTITY_HEADER" envDefault:"X-User-ID"`
	SystemMetrics  bool   `env:"FLAGSYNC_SYSTEM_METRICS"`

	SnapshotBackend string `env:"FLAGSYNC_SNAPSHOT_BACKEND" envDefault:"none"`
	SnapshotPath    string `env:"FLAGSYNC_SNAPSHOT_PATH" envDefault:"flagsync-snapshot.json"`
	DatabaseURL     string `env:"DATABASE_URL"`
	RedisURL        string `env:"FLAGSYNC_REDIS_URL"`
	MongoURL        string `env:"FLAGSYNC_MONGO_URL"`
	MongoDatabase   string `env:"FLAGSYNC_MONGO_DATABASE" envDefault:"flagsync"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Offline reports whether no application key is configured.
func (c Config) Offline() bool {
	return c.AppKey == ""
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	for _, field := range []*string{
		&cfg.AppKey, &cfg.Environment, &cfg.BaseURL, &cfg.UploadAddr, &cfg.UploadProtocol,
		&cfg.InstanceName, &cfg.AppVersion, &cfg.HTTPAddr, &cfg.IdentityHeader,
		&cfg.SnapshotBackend, &cfg.SnapshotPath, &cfg.DatabaseURL, &cfg.RedisURL,
		&cfg.MongoURL, &cfg.MongoDatabase, &cfg.LogLevel,
	} {
		*field = strings.TrimSpace(*field)
	}
	cfg.UploadProtocol = strings.ToLower(cfg.UploadProtocol)
	cfg.SnapshotBackend = strings.ToLower(cfg.SnapshotBackend)

	cfg.DefaultFlags, err = ParseDefaultFlags(cfg.RawDefaultFlags)
	if err != nil {
		return Config{}, fmt.Errorf("parse FLAGSYNC_DEFAULT_FLAGS: %w", err)
	}

	if cfg.InstanceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceName = host
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AppKey != "" && c.BaseURL == "" {
		return errors.New("FLAGSYNC_BASE_URL is required when FLAGSYNC_APP_KEY is set")
	}
	if c.Environment == "" {
		return errors.New("FLAGSYNC_ENVIRONMENT must not be empty")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"FLAGSYNC_REFRESH_INTERVAL", c.RefreshInterval},
		{"FLAGSYNC_FETCH_TIMEOUT", c.FetchTimeout},
		{"FLAGSYNC_READY_INTERVAL", c.ReadyInterval},
		{"FLAGSYNC_FLUSH_INTERVAL", c.FlushInterval},
		{"FLAGSYNC_UNIQUE_RESET_INTERVAL", c.UniqueResetInterval},
		{"FLAGSYNC_UPLOAD_TIMEOUT", c.UploadTimeout},
		{"FLAGSYNC_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.LiveUpdateSpacing < 0 {
		return errors.New("FLAGSYNC_LIVE_UPDATE_SPACING must be >= 0")
	}
	if c.ReadyAttempts <= 0 {
		return errors.New("FLAGSYNC_READY_ATTEMPTS must be > 0")
	}

	switch c.UploadProtocol {
	case ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("FLAGSYNC_UPLOAD_PROTOCOL must be %q or %q", ProtocolGRPC, ProtocolHTTP)
	}

	switch c.SnapshotBackend {
	case BackendNone, BackendMemory:
	case BackendFile:
		if c.SnapshotPath == "" {
			return errors.New("FLAGSYNC_SNAPSHOT_PATH is required for the file snapshot backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres snapshot backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("FLAGSYNC_REDIS_URL is required for the redis snapshot backend")
		}
	case BackendMongo:
		if c.MongoURL == "" {
			return errors.New("FLAGSYNC_MONGO_URL is required for the mongo snapshot backend")
		}
		if c.MongoDatabase == "" {
			return errors.New("FLAGSYNC_MONGO_DATABASE must not be empty")
		}
	default:
		return fmt.Errorf("unknown FLAGSYNC_SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	return nil
}

// ParseDefaultFlags parses "key:bool" pairs separated by commas. Blank
// entries are skipped; a repeated key keeps its last value.
func ParseDefaultFlags(raw string) (map[string]bool, error) {
	flags := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("entry %q must be key:true or key:false", entry)
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		flags[key] = enabled
	}
	return flags, nil
}

// FormatDefaultFlags is the inverse of [ParseDefaultFlags], with keys
// sorted.
func FormatDefaultFlags(flags map[string]bool) string {
	keys := make([]string, 0, len(flags))
	for key := range flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+":"+strconv.FormatBool(flags[key]))
	}
	return strings.Join(parts, ",")
}
