// Package config loads and validates the miner configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "6h" or "3s".
// A bare number is taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// APIConfig defines the local status/metrics HTTP endpoint.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig defines log output, level and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty disables the file sink
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// Config is the complete miner configuration.
type Config struct {
	PlotDirs []string `yaml:"plot_dirs"`
	URL      string   `yaml:"url"`

	AccountIDToSecretPhrase   map[uint64]string `yaml:"account_id_to_secret_phrase"`
	TargetDeadline            uint64            `yaml:"target_deadline"`
	AccountIDToTargetDeadline map[uint64]uint64 `yaml:"account_id_to_target_deadline"`

	IOBufferSize  int `yaml:"io_buffer_size"`
	BufferCount   int `yaml:"buffer_count"`   // 0 = derived from workers and drives
	WorkerThreads int `yaml:"worker_threads"` // 0 = all CPUs
	ReaderThreads int `yaml:"reader_threads"` // 0 = one per drive

	CapacityCheckInterval Duration `yaml:"capacity_check_interval"`
	GetMiningInfoInterval Duration `yaml:"get_mining_info_interval"`
	Timeout               Duration `yaml:"timeout"`

	HDDUseDirectIO bool     `yaml:"hdd_use_direct_io"`
	HDDWakeupAfter Duration `yaml:"hdd_wakeup_after"` // 0 disables wakeup

	SubmitOnlyBest    bool              `yaml:"submit_only_best"`
	SendProxyDetails  bool              `yaml:"send_proxy_details"`
	AdditionalHeaders map[string]string `yaml:"additional_headers"`

	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// defaultIOBufferSize keeps a whole number of scoops per slot and is large
// enough to amortize seeks on spinning disks.
const defaultIOBufferSize = 4 << 20

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	return &Config{
		IOBufferSize:          defaultIOBufferSize,
		CapacityCheckInterval: Duration(6 * time.Hour),
		GetMiningInfoInterval: Duration(3 * time.Second),
		Timeout:               Duration(5 * time.Second),
		HDDUseDirectIO:        true,
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "karite.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
			Console:    true,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the invariants the engine depends on and clamps the
// polling interval to a sane floor.
func (c *Config) Validate() error {
	if len(c.PlotDirs) == 0 {
		return fmt.Errorf("plot_dirs must not be empty")
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.IOBufferSize < 16<<10 {
		return fmt.Errorf("io_buffer_size must be at least 16384, got %d", c.IOBufferSize)
	}
	if c.WorkerThreads < 0 {
		return fmt.Errorf("worker_threads cannot be negative")
	}
	if c.ReaderThreads < 0 {
		return fmt.Errorf("reader_threads cannot be negative")
	}
	if c.BufferCount < 0 {
		return fmt.Errorf("buffer_count cannot be negative")
	}
	if c.Timeout.Std() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.CapacityCheckInterval.Std() < time.Minute {
		return fmt.Errorf("capacity_check_interval must be at least 1m")
	}
	if c.GetMiningInfoInterval.Std() < time.Second {
		c.GetMiningInfoInterval = Duration(time.Second)
	}
	return nil
}
