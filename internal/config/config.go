// Package config loads the matchd configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nfrund/tabletop/internal/telemetry"
)

// Snapshot backends.
const (
	SnapshotsFile    = "file"
	SnapshotsSurreal = "surreal"
	SnapshotsNone    = "none"
)

// Provider exposes the settings adapters need.
type Provider interface {
	GetServerAddr() string
	GetDBURL() string
	GetDBUser() string
	GetDBPass() string
	GetDBNs() string
	GetDBDb() string
	GetTracing() telemetry.Config
}

// Config holds all configuration for the application.
type Config struct {
	ServerAddr     string        `env:"SERVER_ADDR" envDefault:":8080" validate:"required"`
	AllowedOrigins []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	RulesDir       string        `env:"RULES_DIR" envDefault:"rules"`
	WatchRules     bool          `env:"RULES_WATCH" envDefault:"true"`
	DataDir        string        `env:"DATA_DIR" envDefault:"data" validate:"required"`
	Snapshots      string        `env:"SNAPSHOT_BACKEND" envDefault:"file" validate:"oneof=file surreal none"`
	JournalPath    string        `env:"JOURNAL_PATH" envDefault:"data/journal.db"`
	HistoryLimit   int           `env:"UNDO_HISTORY" envDefault:"32" validate:"gte=0"`
	QueueSize      int           `env:"MATCH_QUEUE_SIZE" envDefault:"64" validate:"gte=1"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	OfflineGrace   time.Duration `env:"OFFLINE_GRACE" envDefault:"5s" validate:"gte=0"`

	ScriptTimeout         time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"250ms" validate:"gt=0"`
	ScriptMaxAllocs       int64         `env:"SCRIPT_MAX_ALLOCS" envDefault:"200000" validate:"gt=0"`
	ScriptQuarantineAfter int           `env:"SCRIPT_QUARANTINE_AFTER" envDefault:"3" validate:"gte=0"`

	DBUrl  string `env:"SURREAL_URL" validate:"required_if=Snapshots surreal"`
	DBUser string `env:"SURREAL_USER"`
	DBPass string `env:"SURREAL_PASS"`
	DBNs   string `env:"SURREAL_NS" envDefault:"tabletop"`
	DBDb   string `env:"SURREAL_DB" envDefault:"tabletop"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	Tracing telemetry.Config
}

// Load reads .env files (missing files are tolerated), then parses and
// validates the environment. With no files given, ".env" is tried.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			slog.Debug("No env file loaded, relying on environment variables", "file", f)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) GetServerAddr() string        { return c.ServerAddr }
func (c *Config) GetDBURL() string             { return c.DBUrl }
func (c *Config) GetDBUser() string            { return c.DBUser }
func (c *Config) GetDBPass() string            { return c.DBPass }
func (c *Config) GetDBNs() string              { return c.DBNs }
func (c *Config) GetDBDb() string              { return c.DBDb }
func (c *Config) GetTracing() telemetry.Config { return c.Tracing }
