package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yoanbernabeu/fwatch/internal/fileutil"
)

const (
	ConfigFileName = ".fwatch.yaml"
	CurrentVersion = 1
)

type Config struct {
	Version        int           `yaml:"version"`
	Suffixes       []string      `yaml:"suffixes"`
	Ignore         []string      `yaml:"ignore"`
	ExternalIgnore string        `yaml:"external_ignore,omitempty"`
	MaxOpen        int           `yaml:"max_open"`
	Capacity       int           `yaml:"capacity"`
	PollTimeoutMs  int           `yaml:"poll_timeout_ms"`
	Backend        string        `yaml:"backend"`
	Respawn        RespawnConfig `yaml:"respawn"`
	Log            LogConfig     `yaml:"log"`
}

// RespawnConfig controls how the watched command is run
type RespawnConfig struct {
	Shell         []string `yaml:"shell,omitempty"`
	StopTimeoutMs int      `yaml:"stop_timeout_ms"`
	RunOnStart    bool     `yaml:"run_on_start"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Version:  CurrentVersion,
		Suffixes: []string{".c", ".h"},
		Ignore:   []string{},
		MaxOpen:  256,
		// kqueue keys are descriptors, so capacity must sit well above
		// the highest descriptor the process will hold.
		Capacity:      1024,
		PollTimeoutMs: -1,
		Backend:       "native",
		Respawn: RespawnConfig{
			StopTimeoutMs: 5000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// PathFor returns the config file location for a watched directory.
func PathFor(dir string) string {
	return filepath.Join(dir, ConfigFileName)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// applyDefaults fills in values a partial file leaves out. A zero poll
// timeout would turn the loop into a busy wait, so it counts as unset.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Version == 0 {
		c.Version = defaults.Version
	}
	if len(c.Suffixes) == 0 {
		c.Suffixes = defaults.Suffixes
	}
	if c.MaxOpen <= 0 {
		c.MaxOpen = defaults.MaxOpen
	}
	if c.Capacity <= 0 {
		c.Capacity = defaults.Capacity
	}
	if c.PollTimeoutMs == 0 {
		c.PollTimeoutMs = defaults.PollTimeoutMs
	}
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.Respawn.StopTimeoutMs <= 0 {
		c.Respawn.StopTimeoutMs = defaults.Respawn.StopTimeoutMs
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.MaxOpen <= 0 || c.MaxOpen > c.Capacity {
		return fmt.Errorf("max_open must be between 1 and capacity (%d), got %d", c.Capacity, c.MaxOpen)
	}
	if !slices.Contains([]string{"native", "fsnotify"}, c.Backend) {
		return fmt.Errorf("unknown backend %q (expected native or fsnotify)", c.Backend)
	}
	for _, suffix := range c.Suffixes {
		if suffix == "" {
			return fmt.Errorf("suffixes must not contain an empty entry")
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if !slices.Contains([]string{"console", "json"}, c.Log.Format) {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// PollTimeout converts PollTimeoutMs; a negative value means wait forever.
func (c *Config) PollTimeout() time.Duration {
	if c.PollTimeoutMs < 0 {
		return -1
	}
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Respawn.StopTimeoutMs) * time.Millisecond
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fileutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
