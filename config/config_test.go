package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "bsk.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.FanoutWorkers)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.Empty(t, cfg.ProgramFile)
}

func TestLoad_EnvironmentAndDotenv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("BSK_DB_PATH=/tmp/from-dotenv.db\nBSK_CACHE_TTL=5s\n"), 0o600))
	t.Setenv("BSK_PORT", "9090")
	t.Setenv("BSK_FANOUT_WORKERS", "16")
	t.Cleanup(func() {
		os.Unsetenv("BSK_DB_PATH")
		os.Unsetenv("BSK_CACHE_TTL")
	})

	cfg, err := Load(dotenv)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 16, cfg.FanoutWorkers)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
}

func TestLoad_MissingDotenvIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"empty db", func(c *Config) { c.DBPath = "" }},
		{"no fanout workers", func(c *Config) { c.FanoutWorkers = 0 }},
		{"no rebuild workers", func(c *Config) { c.RebuildWorkers = 0 }},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }},
		{"negative event rate", func(c *Config) { c.EventRate = -1 }},
		{"rate without burst", func(c *Config) { c.EventRate = 10; c.EventBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Port: 8080, DBPath: "x.db", FanoutWorkers: 1, RebuildWorkers: 1}
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
