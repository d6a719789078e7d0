// Package logging provides config-driven categorized logging for chatnerd.
// Every category is a named child of one zap logger; output goes to stderr and/or a
// size-rotated JSON file. Disabled categories get a no-op logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config, shutdown
	CategoryLifecycle Category = "lifecycle" // Connection state machine
	CategoryIngest    Category = "ingest"    // Change events, dedup, queue
	CategoryResponder Category = "responder" // Response chain and outbound sends
	CategoryConduit   Category = "conduit"   // Browser automation
	CategoryStore     Category = "store"     // Credential persistence
	CategoryMatcher   Category = "matcher"   // Similarity scoring
	CategoryEvents    Category = "events"    // Event bus and forwarders
	CategoryUI        Category = "ui"        // Terminal dashboard
)

// Config configures the logging system.
type Config struct {
	// DebugMode forces the debug level regardless of Level.
	DebugMode bool `yaml:"debug_mode" toml:"debug_mode"`

	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`

	// Format selects the console encoder: text (default) or json.
	Format string `yaml:"format" toml:"format"`

	// File is the rotated JSON log file. Empty disables file output.
	File string `yaml:"file" toml:"file"`

	// Console mirrors log output to stderr.
	Console bool `yaml:"console" toml:"console"`

	// Categories enables or disables individual categories. Missing entries are enabled.
	Categories map[string]bool `yaml:"categories" toml:"categories"`

	MaxSizeMB  int `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days" toml:"max_age_days"`
}

// Logger is a category-scoped sugared logger. A Logger with no backend is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    *zap.Logger
	config  Config
	loggers = make(map[Category]*Logger)
	rotator *lumberjack.Logger
)

// Initialize builds the root logger. It may be called again to reconfigure;
// previously handed out loggers keep writing to the old backend.
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}

	var cores []zapcore.Core
	var rot *lumberjack.Logger

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		rot = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 10),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rot), level))
	}

	if cfg.Console {
		var enc zapcore.Encoder
		if cfg.Format == "json" {
			enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		} else {
			encCfg := zap.NewDevelopmentEncoderConfig()
			encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	var l *zap.Logger
	if len(cores) == 0 {
		l = zap.NewNop()
	} else {
		l = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	}

	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
	}
	root = l
	rotator = rot
	config = cfg
	loggers = make(map[Category]*Logger)

	if isCategoryEnabledLocked(CategoryBoot) {
		root.Named(string(CategoryBoot)).Sugar().Infof("logging initialized (level=%s file=%q)", level, cfg.File)
	}
	return nil
}

// Use installs an externally built zap logger as the root. Tests use it with zaptest/observer.
func Use(l *zap.Logger, cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	config = cfg
	loggers = make(map[Category]*Logger)
}

// Root returns the root zap logger, or a no-op logger before Initialize.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return zap.NewNop()
	}
	return root
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isCategoryEnabledLocked(category)
}

// isCategoryEnabledLocked requires mu to be held.
func isCategoryEnabledLocked(category Category) bool {
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if root == nil || !isCategoryEnabledLocked(category) {
		return &Logger{category: category}
	}
	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes and closes the file backend (call at shutdown)
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		_ = root.Sync()
	}
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	root = nil
	loggers = make(map[Category]*Logger)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Lifecycle(format string, args ...interface{})      { Get(CategoryLifecycle).Info(format, args...) }
func LifecycleDebug(format string, args ...interface{}) { Get(CategoryLifecycle).Debug(format, args...) }
func LifecycleWarn(format string, args ...interface{})  { Get(CategoryLifecycle).Warn(format, args...) }
func LifecycleError(format string, args ...interface{}) { Get(CategoryLifecycle).Error(format, args...) }

func Ingest(format string, args ...interface{})      { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }
func IngestError(format string, args ...interface{}) { Get(CategoryIngest).Error(format, args...) }

func Responder(format string, args ...interface{})      { Get(CategoryResponder).Info(format, args...) }
func ResponderDebug(format string, args ...interface{}) { Get(CategoryResponder).Debug(format, args...) }
func ResponderError(format string, args ...interface{}) { Get(CategoryResponder).Error(format, args...) }

func Conduit(format string, args ...interface{})      { Get(CategoryConduit).Info(format, args...) }
func ConduitDebug(format string, args ...interface{}) { Get(CategoryConduit).Debug(format, args...) }
func ConduitWarn(format string, args ...interface{})  { Get(CategoryConduit).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }

func MatcherDebug(format string, args ...interface{}) { Get(CategoryMatcher).Debug(format, args...) }

func Events(format string, args ...interface{})     { Get(CategoryEvents).Info(format, args...) }
func EventsWarn(format string, args ...interface{}) { Get(CategoryEvents).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
