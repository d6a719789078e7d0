package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"chatnerd/internal/logging"
)

// Config holds all chatnerd configuration.
type Config struct {
	// Account whose workers this process drives.
	AccountID string `yaml:"account_id" toml:"account_id"`

	// Number of concurrent sessions (workers) for the account.
	Workers int `yaml:"workers" toml:"workers"`

	// Start the next worker only after the previous one authenticated or failed.
	SequentialStart bool `yaml:"sequential_start" toml:"sequential_start"`

	// Credential acquisition policy
	CheckIntervalMs int `yaml:"check_interval_ms" toml:"check_interval_ms"`
	MaxAttempts     int `yaml:"max_attempts" toml:"max_attempts"`

	// Auto-responder
	SimilarityThreshold float64 `yaml:"similarity_threshold" toml:"similarity_threshold"`
	SynonymsFile        string  `yaml:"synonyms_file" toml:"synonyms_file"`
	RulesFile           string  `yaml:"rules_file" toml:"rules_file"`
	WatchRules          bool    `yaml:"watch_rules" toml:"watch_rules"`

	// Ingestion pacing
	MessageDelayMs   int `yaml:"message_delay_ms" toml:"message_delay_ms"`
	ExtractTimeoutMs int `yaml:"extract_timeout_ms" toml:"extract_timeout_ms"`

	// Outbound pacing between messages of one SendMessages call.
	SendIntervalMs int `yaml:"send_interval_ms" toml:"send_interval_ms"`
	// Time contact search results get to settle before the best title is picked.
	SearchWaitMs   int `yaml:"search_wait_ms" toml:"search_wait_ms"`

	// Pause between closing the browser and deleting its profile on logout.
	ReleaseGraceMs int `yaml:"release_grace_ms" toml:"release_grace_ms"`

	// Root for per-worker browser profiles and file-backed credentials.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	Browser   BrowserConfig   `yaml:"browser" toml:"browser"`
	Selectors SelectorsConfig `yaml:"selectors" toml:"selectors"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   logging.Config  `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		AccountID:           "default",
		Workers:             1,
		SequentialStart:     true,
		CheckIntervalMs:     10000,
		MaxAttempts:         12,
		SimilarityThreshold: 70,
		SynonymsFile:        "synonyms.json",
		RulesFile:           "rules.yaml",
		MessageDelayMs:      1000,
		ExtractTimeoutMs:    60000,
		SendIntervalMs:      3000,
		SearchWaitMs:        3000,
		ReleaseGraceMs:      5000,
		DataDir:             "data",

		Browser: BrowserConfig{
			Headless:            false,
			UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_14_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/101.0.4951.67 Safari/537.36",
			NavigationTimeoutMs: 60000,
			LaunchFlags:         []string{"no-sandbox", "disable-setuid-sandbox", "disable-web-security"},
		},

		Store: StoreConfig{
			Backend:     "file",
			RedisPrefix: "chatnerd",
		},

		Events: EventsConfig{
			NATSSubject: "chatnerd.events",
		},

		Logging: logging.Config{
			Level:   "info",
			Format:  "text",
			File:    "logs/chatnerd.log",
			Console: true,
		},
	}
}

// Load loads configuration from a YAML file, or TOML when the extension is .toml.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML (or TOML) file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewEncoder(f).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATNERD_ACCOUNT"); v != "" {
		c.AccountID = v
	}
	if v := os.Getenv("CHATNERD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("CHATNERD_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("CHATNERD_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
		c.Store.Backend = "redis"
	}
	if v := os.Getenv("CHATNERD_NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("CHATNERD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetCheckInterval returns the credential polling interval.
func (c *Config) GetCheckInterval() time.Duration {
	return millis(c.CheckIntervalMs, 10*time.Second)
}

// GetMessageDelay returns the pause after each handled message.
func (c *Config) GetMessageDelay() time.Duration {
	if c.MessageDelayMs == 0 {
		return 0
	}
	return millis(c.MessageDelayMs, time.Second)
}

// GetExtractTimeout returns the budget for reading one candidate message.
func (c *Config) GetExtractTimeout() time.Duration {
	return millis(c.ExtractTimeoutMs, 60*time.Second)
}

// GetSendInterval returns the minimum spacing between paced sends.
func (c *Config) GetSendInterval() time.Duration {
	return millis(c.SendIntervalMs, 3*time.Second)
}

// GetSearchWait returns how long contact search results get to settle.
func (c *Config) GetSearchWait() time.Duration {
	return millis(c.SearchWaitMs, 3*time.Second)
}

// GetReleaseGrace returns the pause before a dropped profile is deleted. 0 disables it.
func (c *Config) GetReleaseGrace() time.Duration {
	if c.ReleaseGraceMs <= 0 {
		return 0
	}
	return time.Duration(c.ReleaseGraceMs) * time.Millisecond
}

// GetNavigationTimeout returns the page navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return millis(c.Browser.NavigationTimeoutMs, 60*time.Second)
}

// UserDataDir returns the browser profile directory of one worker.
func (c *Config) UserDataDir(workerID string) string {
	return filepath.Join(c.DataDir, "user_data", c.AccountID, workerID)
}

// SessionsDir returns the root of file-backed credentials.
func (c *Config) SessionsDir() string {
	if c.Store.Path != "" && c.Store.Backend == "file" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "sessions")
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// ValidBackends lists all supported credential store backends.
var ValidBackends = []string{"file", "sqlite", "redis"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account_id must not be empty")
	}
	if strings.ContainsAny(c.AccountID, `/\`) {
		return fmt.Errorf("account_id %q must not contain path separators", c.AccountID)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.CheckIntervalMs < 0 || c.MessageDelayMs < 0 || c.ExtractTimeoutMs < 0 || c.SendIntervalMs < 0 || c.ReleaseGraceMs < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 100 {
		return fmt.Errorf("similarity_threshold must be within [0,100], got %v", c.SimilarityThreshold)
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store backend redis requires redis_addr")
	}

	return nil
}
