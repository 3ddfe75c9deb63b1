// Package config provides configuration loading and management for stepflow.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/stepflow/cache"
	"github.com/c360studio/stepflow/fetch"
	"github.com/c360studio/stepflow/step"
)

// Config represents the complete stepflow configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Executor ExecutorConfig `yaml:"executor"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	NATS     NATSConfig     `yaml:"nats"`
	Fetch    FetchConfig    `yaml:"fetch"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// ExecutorConfig is the default retry policy for steps
type ExecutorConfig struct {
	Retry             int           `yaml:"retry"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	// Timeout bounds each attempt (0 = no timeout)
	Timeout time.Duration `yaml:"timeout"`
}

// TasksConfig configures the task graph and the runner
type TasksConfig struct {
	AutoRetry         bool          `yaml:"auto_retry"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryHopDelay     time.Duration `yaml:"retry_hop_delay"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	// MaxParallel bounds concurrently running tasks
	MaxParallel int `yaml:"max_parallel"`
}

// CacheConfig configures the namespace caches
type CacheConfig struct {
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// SweepInterval is how often expired entries are removed (0 = never)
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SingleFlight  bool          `yaml:"single_flight"`
	// Namespaces overrides settings per namespace
	Namespaces map[string]NamespaceConfig `yaml:"namespaces,omitempty"`
}

// NamespaceConfig overrides cache settings for one namespace
type NamespaceConfig struct {
	MaxSize      int           `yaml:"max_size"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	SingleFlight bool          `yaml:"single_flight"`
}

// MetricsConfig configures metric collection and export
type MetricsConfig struct {
	// ListenAddr serves /metrics when set (e.g. ":9090")
	ListenAddr string `yaml:"listen_addr"`
	// AuditDB is a SQLite file that records every step and summary
	AuditDB             string `yaml:"audit_db"`
	Namespace           string `yaml:"namespace"`
	MaxStepsPerWorkflow int    `yaml:"max_steps_per_workflow"`
	MaxWorkflows        int    `yaml:"max_workflows"`
}

// NATSConfig configures event publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = no publishing unless embedded)
	URL string `yaml:"url"`
	// Embedded starts an in-process server when no URL is set
	Embedded      bool   `yaml:"embedded"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// StoreDir holds JetStream data for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// FetchConfig configures the built-in fetch operation
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxContentSize int64         `yaml:"max_content_size"`
	AllowPrivate   bool          `yaml:"allow_private"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	exec := step.DefaultOptions()
	fc := fetch.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Executor: ExecutorConfig{
			Retry:             exec.Retry,
			RetryDelay:        exec.RetryDelay,
			BackoffMultiplier: exec.BackoffMultiplier,
			MaxDelay:          exec.MaxDelay,
			Timeout:           exec.Timeout,
		},
		Tasks: TasksConfig{
			AutoRetry:         true,
			RetryDelay:        time.Second,
			RetryHopDelay:     100 * time.Millisecond,
			DefaultMaxRetries: 3,
			MaxParallel:       4,
		},
		Cache: CacheConfig{
			MaxSize:       cache.DefaultMaxSize,
			DefaultTTL:    cache.DefaultTTL,
			SweepInterval: time.Minute,
		},
		Metrics: MetricsConfig{
			Namespace:           "stepflow",
			MaxStepsPerWorkflow: 10000,
			MaxWorkflows:        1000,
		},
		NATS: NATSConfig{
			SubjectPrefix: "stepflow",
		},
		Fetch: FetchConfig{
			Timeout:        fc.Timeout,
			UserAgent:      fc.UserAgent,
			MaxContentSize: fc.MaxContentSize,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Executor.Retry < 0 {
		errs = append(errs, fmt.Errorf("executor.retry must not be negative"))
	}
	if c.Executor.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("executor.backoff_multiplier must be at least 1"))
	}
	if c.Executor.RetryDelay < 0 || c.Executor.MaxDelay < 0 || c.Executor.Timeout < 0 {
		errs = append(errs, fmt.Errorf("executor delays must not be negative"))
	}
	if c.Tasks.DefaultMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tasks.default_max_retries must not be negative"))
	}
	if c.Tasks.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("tasks.max_parallel must be at least 1"))
	}
	if c.Cache.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("cache.max_size must be at least 1"))
	}
	for name, ns := range c.Cache.Namespaces {
		if ns.MaxSize < 0 || ns.DefaultTTL < 0 {
			errs = append(errs, fmt.Errorf("cache.namespaces.%s: values must not be negative", name))
		}
	}
	if c.Fetch.MaxContentSize < 0 {
		errs = append(errs, fmt.Errorf("fetch.max_content_size must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// StepOptions converts the executor section into step options
func (c ExecutorConfig) StepOptions() step.Options {
	return step.Options{
		Retry:             c.Retry,
		RetryDelay:        c.RetryDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		MaxDelay:          c.MaxDelay,
		Timeout:           c.Timeout,
	}
}

// Options converts the cache section into engine defaults
func (c CacheConfig) Options() cache.Options {
	return cache.Options{
		MaxSize:      c.MaxSize,
		DefaultTTL:   c.DefaultTTL,
		SingleFlight: c.SingleFlight,
	}
}

// NamespaceOptions returns the engine options for one namespace override
func (c CacheConfig) NamespaceOptions(name string) (cache.Options, bool) {
	ns, ok := c.Namespaces[name]
	if !ok {
		return cache.Options{}, false
	}
	opts := c.Options()
	if ns.MaxSize > 0 {
		opts.MaxSize = ns.MaxSize
	}
	if ns.DefaultTTL > 0 {
		opts.DefaultTTL = ns.DefaultTTL
	}
	opts.SingleFlight = opts.SingleFlight || ns.SingleFlight
	return opts, true
}

// FetcherConfig converts the fetch section
func (c FetchConfig) FetcherConfig() fetch.Config {
	return fetch.Config{
		Timeout:        c.Timeout,
		UserAgent:      c.UserAgent,
		MaxContentSize: c.MaxContentSize,
		AllowPrivate:   c.AllowPrivate,
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := loadInto(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

// loadInto decodes the file onto config; keys missing from the file keep
// their current values.
func loadInto(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Boolean switches can only be turned on.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// Executor
	if other.Executor.Retry != 0 {
		c.Executor.Retry = other.Executor.Retry
	}
	if other.Executor.RetryDelay != 0 {
		c.Executor.RetryDelay = other.Executor.RetryDelay
	}
	if other.Executor.BackoffMultiplier != 0 {
		c.Executor.BackoffMultiplier = other.Executor.BackoffMultiplier
	}
	if other.Executor.MaxDelay != 0 {
		c.Executor.MaxDelay = other.Executor.MaxDelay
	}
	if other.Executor.Timeout != 0 {
		c.Executor.Timeout = other.Executor.Timeout
	}

	// Tasks
	if other.Tasks.MaxParallel != 0 {
		c.Tasks.MaxParallel = other.Tasks.MaxParallel
	}
	if other.Tasks.DefaultMaxRetries != 0 {
		c.Tasks.DefaultMaxRetries = other.Tasks.DefaultMaxRetries
	}

	// Metrics
	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
	if other.Metrics.AuditDB != "" {
		c.Metrics.AuditDB = other.Metrics.AuditDB
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	// Fetch
	if other.Fetch.AllowPrivate {
		c.Fetch.AllowPrivate = true
	}
}
