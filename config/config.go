// Package config loads engine configuration from defaults, an optional YAML
// file, and environment overrides, in that priority order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quillreader/agentrun/admission"
	"github.com/quillreader/agentrun/internal/pool"
	"github.com/quillreader/agentrun/provider"
)

// Config holds every tunable the engine reads. Timeout budgets and the
// segment concurrency degree are configuration inputs, never computed.
type Config struct {
	Admission admission.Policy       `yaml:"admission"`
	Timeout   provider.TimeoutBudget `yaml:"timeout"`

	// SegmentWorkers is the translation segment pool degree, clamped into
	// [1, 5].
	SegmentWorkers int `yaml:"segment_workers"`

	// UsageLinkSlack widens the usage-linking window on both sides.
	UsageLinkSlack time.Duration `yaml:"usage_link_slack"`

	// TraceDepth bounds the per-task ring of recent event trace lines.
	TraceDepth int `yaml:"trace_depth"`

	// RequestsPerSecond throttles provider calls client-side; zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Admission:      admission.DefaultPolicy(),
		Timeout:        provider.DefaultTimeoutBudget(),
		SegmentWorkers: pool.DefaultWorkers,
		UsageLinkSlack: time.Second,
		TraceDepth:     128,
	}
}

// Validate checks invariants and normalizes derived fields.
func (c *Config) Validate() error {
	if c.SegmentWorkers < 0 || c.SegmentWorkers > pool.MaxWorkers {
		return fmt.Errorf("segment_workers must be in [1, %d], got %d", pool.MaxWorkers, c.SegmentWorkers)
	}
	c.SegmentWorkers = pool.ClampWorkers(c.SegmentWorkers)
	if c.UsageLinkSlack < 0 {
		return fmt.Errorf("usage_link_slack must not be negative")
	}
	if c.TraceDepth <= 0 {
		c.TraceDepth = 128
	}
	return nil
}

// Loader loads configuration with a builder-style API.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the AGENTRUN env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "AGENTRUN"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	if v, ok := l.env("SEGMENT_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SEGMENT_WORKERS: %w", err)
		}
		cfg.SegmentWorkers = n
	}
	if v, ok := l.env("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
		}
		cfg.Timeout.Request = d
	}
	if v, ok := l.env("FIRST_TOKEN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FIRST_TOKEN_TIMEOUT: %w", err)
		}
		cfg.Timeout.FirstToken = d
	}
	if v, ok := l.env("STREAM_IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STREAM_IDLE_TIMEOUT: %w", err)
		}
		cfg.Timeout.StreamIdle = d
	}
	if v, ok := l.env("REPLACE_WAITING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REPLACE_WAITING: %w", err)
		}
		cfg.Admission.ReplaceWaiting = b
	}
	if v, ok := l.env("REQUESTS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid REQUESTS_PER_SECOND: %w", err)
		}
		cfg.RequestsPerSecond = f
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + name)
}
