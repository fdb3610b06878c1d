// Package config loads engine configuration from a YAML file, a .env file
// and environment overrides, in that order of increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/macoaure/privacychain/internal/audit"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageBadger   = "badger"
	StorageMemory   = "memory"
)

// Audit sink modes.
const (
	AuditStore = "store"
	AuditLog   = "log"
	AuditBoth  = "both"
	AuditNone  = "none"
)

// Config is the engine configuration shared by the server and the CLI.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	DBUrl         string        `yaml:"db_url"`
	Storage       string        `yaml:"storage"`
	BadgerDir     string        `yaml:"badger_dir"`
	MigrationsDir string        `yaml:"migrations_dir"` // empty uses the embedded set
	LogLevel      string        `yaml:"log_level"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	Audit         string        `yaml:"audit"`
	RateLimit     int           `yaml:"rate_limit"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ListenAddr: ":8300",
		Storage:    StorageBadger,
		BadgerDir:  "data",
		LogLevel:   "info",
		DefaultTTL: 24 * time.Hour,
		Audit:      AuditStore,
	}
}

// Load reads .env (if present), then the YAML file named by SHARE_CONFIG
// (default config.yaml), then applies environment overrides. A missing
// file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	cfgFile := getEnv("SHARE_CONFIG", "config.yaml")
	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", cfgFile, err)
		}
	} else {
		log.Debug().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	if v := os.Getenv("SHARE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("SHARE_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("SHARE_BADGER_DIR"); v != "" {
		cfg.BadgerDir = v
	}
	if v := os.Getenv("SHARE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, cfg.Validate()
}

// Validate checks field combinations.
func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var) for postgres storage")
		}
	case StorageBadger, StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	switch c.Audit {
	case AuditStore, AuditLog, AuditBoth, AuditNone, "":
	default:
		return fmt.Errorf("unknown audit mode %q", c.Audit)
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// OpenStore opens the configured backend. For postgres it applies pending
// migrations first.
func (c Config) OpenStore(ctx context.Context) (storage.Store, error) {
	switch c.Storage {
	case StoragePostgres:
		version, err := storage.RunMigrations(c.DBUrl, c.MigrationsDir)
		if err != nil {
			return nil, err
		}
		log.Info().Uint("schema_version", version).Msg("migrations applied")
		return storage.NewPostgresBackend(ctx, c.DBUrl)
	case StorageBadger:
		return storage.NewBadgerStore(c.BadgerDir)
	case StorageMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage %q", c.Storage)
	}
}

// AuditSink builds the configured audit sink over store.
func (c Config) AuditSink(store storage.Store) audit.Sink {
	switch c.Audit {
	case AuditLog:
		return audit.NewLogSink(log.Logger)
	case AuditBoth:
		return audit.MultiSink{audit.NewStoreSink(store), audit.NewLogSink(log.Logger)}
	case AuditNone:
		return audit.Nop{}
	default:
		return audit.NewStoreSink(store)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
