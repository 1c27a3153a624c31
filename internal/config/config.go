// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR"         envDefault:":8080"`
	Store          string        `env:"STORE"             envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	CatalogFile    string        `env:"CATALOG_FILE"`
	OriginPatterns []string      `env:"WS_ORIGIN_PATTERNS" envSeparator:","`
	HostGrace      time.Duration `env:"HOST_GRACE_PERIOD" envDefault:"15s"`
	RoomIdle       time.Duration `env:"ROOM_IDLE_TIMEOUT" envDefault:"30s"`
	DebugSeed      *int64        `env:"DEBUG_SEED"`
	CandidateLimit int           `env:"CANDIDATE_LIMIT"   envDefault:"250"`

	RewriteEnabled bool          `env:"REWRITE_ENABLED"`
	OpenAIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL"`
	RewriteModel   string        `env:"REWRITE_MODEL"`
	RewriteTimeout time.Duration `env:"REWRITE_TIMEOUT"   envDefault:"3s"`

	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT"`
}

// Load reads files (".env" when none are given) into the process environment
// without overriding variables already set, then parses the environment.
// Missing files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with cfg at once.
func (c Config) Validate() error {
	var err error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			err = multierr.Append(err, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if c.HostGrace <= 0 {
		err = multierr.Append(err, errors.New("HOST_GRACE_PERIOD must be positive"))
	}
	if c.RoomIdle < 0 {
		err = multierr.Append(err, errors.New("ROOM_IDLE_TIMEOUT must not be negative"))
	}
	if c.CandidateLimit <= 0 {
		err = multierr.Append(err, errors.New("CANDIDATE_LIMIT must be positive"))
	}
	if c.RewriteEnabled {
		if c.OpenAIKey == "" {
			err = multierr.Append(err, errors.New("OPENAI_API_KEY is required when REWRITE_ENABLED is set"))
		}
		if c.RewriteTimeout <= 0 {
			err = multierr.Append(err, errors.New("REWRITE_TIMEOUT must be positive"))
		}
	}
	return err
}
