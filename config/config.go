// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config is the process-level configuration of the BSK server.
type Config struct {
	Port           int           `env:"PORT" envDefault:"8080"`
	DBPath         string        `env:"DB_PATH" envDefault:"bsk.db"`
	ProgramFile    string        `env:"PROGRAM_FILE"`
	FanoutWorkers  int           `env:"FANOUT_WORKERS" envDefault:"8"`
	RebuildWorkers int           `env:"REBUILD_WORKERS" envDefault:"4"`
	AuditInterval  time.Duration `env:"AUDIT_INTERVAL" envDefault:"1h"`
	CacheTTL       time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	EventRate      float64       `env:"EVENT_RATE" envDefault:"50"`
	EventBurst     int           `env:"EVENT_BURST" envDefault:"100"`
	Verbose        bool          `env:"VERBOSE" envDefault:"false"`
}

// Load reads an optional .env file and then parses BSK_* variables.
func Load(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) > 0 {
		// Missing files are fine; the environment may already be populated.
		_ = godotenv.Load(dotenvFiles...)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "BSK_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges the env tags cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout workers must be greater than 0")
	}
	if c.RebuildWorkers <= 0 {
		return fmt.Errorf("rebuild workers must be greater than 0")
	}
	if c.EventRate < 0 {
		return fmt.Errorf("event rate must not be negative")
	}
	if c.EventRate > 0 && c.EventBurst < 1 {
		return fmt.Errorf("event burst must be at least 1 when rate limiting is on")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	return nil
}
