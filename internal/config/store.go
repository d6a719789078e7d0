package config

import "path/filepath"

// StoreConfig selects where worker credentials are persisted.
type StoreConfig struct {
	Backend     string `yaml:"backend" toml:"backend"` // file, sqlite, redis
	Path        string `yaml:"path" toml:"path"`       // sessions dir (file) or database file (sqlite)
	RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
}

// EventsConfig configures outward event forwarding.
type EventsConfig struct {
	// NATSURL enables forwarding of worker events when set.
	NATSURL     string `yaml:"nats_url" toml:"nats_url"`
	NATSSubject string `yaml:"nats_subject" toml:"nats_subject"`
}

// SQLitePath returns the credential database file for the sqlite backend.
func (c *Config) SQLitePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "chatnerd.db")
}
