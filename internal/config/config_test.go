package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHATNERD_ACCOUNT", "CHATNERD_WORKERS", "CHATNERD_DEBUGGER_URL",
		"CHATNERD_REDIS_ADDR", "CHATNERD_NATS_URL", "CHATNERD_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.GetCheckInterval())
	assert.Equal(t, 12, cfg.MaxAttempts)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 70.0, cfg.SimilarityThreshold)
	assert.Equal(t, time.Second, cfg.GetMessageDelay())
	assert.Equal(t, time.Minute, cfg.GetExtractTimeout())
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 3*time.Second, cfg.GetSearchWait())
	assert.Equal(t, 5*time.Second, cfg.GetReleaseGrace())
	require.NoError(t, cfg.Validate())

	cfg.ReleaseGraceMs = 0
	assert.Zero(t, cfg.GetReleaseGrace())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "chatnerd.yaml")

	cfg := DefaultConfig()
	cfg.AccountID = "acme"
	cfg.Workers = 3
	cfg.Store.Backend = "sqlite"
	cfg.Logging.Categories = map[string]bool{"ingest": false}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", loaded.AccountID)
	assert.Equal(t, 3, loaded.Workers)
	assert.Equal(t, "sqlite", loaded.Store.Backend)
	assert.False(t, loaded.Logging.Categories["ingest"])
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "chatnerd.toml")
	content := `
account_id = "shop"
workers = 2
check_interval_ms = 500
max_attempts = 3

[store]
backend = "file"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.AccountID)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.GetCheckInterval())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 70.0, cfg.SimilarityThreshold)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [oops"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATNERD_ACCOUNT", "env-account")
	t.Setenv("CHATNERD_WORKERS", "4")
	t.Setenv("CHATNERD_REDIS_ADDR", "localhost:6379")
	t.Setenv("CHATNERD_NATS_URL", "nats://localhost:4222")
	t.Setenv("CHATNERD_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-account", cfg.AccountID)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"empty account", func(c *Config) { c.AccountID = "" }, "account_id"},
		{"path in account", func(c *Config) { c.AccountID = "../x" }, "path separators"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"no attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"threshold range", func(c *Config) { c.SimilarityThreshold = 101 }, "similarity_threshold"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "invalid store backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccountID = "acme"
	assert.Equal(t, filepath.Join("data", "user_data", "acme", "worker0"), cfg.UserDataDir("worker0"))
	assert.Equal(t, filepath.Join("data", "sessions"), cfg.SessionsDir())
	assert.Equal(t, filepath.Join("data", "chatnerd.db"), cfg.SQLitePath())
}
