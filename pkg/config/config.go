// Package config provides configuration file support for auditkit.
//
// Configuration is read from a YAML file and overlaid with AUDITKIT_*
// environment variables. Nested keys use a double underscore, so
// AUDITKIT_ROTATION__MAX_SIZE=10MB sets rotation.max_size.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/fsutil"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "auditkit.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUDITKIT_"

// Config represents the auditkit configuration.
type Config struct {
	Path        string            `yaml:"path" koanf:"path"`
	Rotation    RotationConfig    `yaml:"rotation" koanf:"rotation"`
	Retention   RetentionConfig   `yaml:"retention" koanf:"retention"`
	Performance PerformanceConfig `yaml:"performance" koanf:"performance"`
	Integrity   IntegrityConfig   `yaml:"integrity" koanf:"integrity"`
	Logging     LoggingConfig     `yaml:"logging" koanf:"logging"`
	Server      ServerConfig      `yaml:"server" koanf:"server"`
	Webhooks    WebhooksConfig    `yaml:"webhooks" koanf:"webhooks"`
}

// RotationConfig controls size-based rotation of the live file.
type RotationConfig struct {
	Enabled          bool   `yaml:"enabled" koanf:"enabled"`
	MaxSize          string `yaml:"max_size" koanf:"max_size"`
	MaxFiles         int    `yaml:"max_files" koanf:"max_files"`
	Compress         bool   `yaml:"compress" koanf:"compress"`
	CompressionLevel string `yaml:"compression_level" koanf:"compression_level"` // fast, default, max
}

// RetentionConfig is informational; pruning is driven by MaxFiles.
type RetentionConfig struct {
	Days int `yaml:"days" koanf:"days"`
}

// PerformanceConfig controls batching and durability of the writer.
type PerformanceConfig struct {
	BatchSize       int  `yaml:"batch_size" koanf:"batch_size"`
	FlushIntervalMs int  `yaml:"flush_interval_ms" koanf:"flush_interval_ms"`
	Sync            bool `yaml:"sync" koanf:"sync"`
	MaxQueue        int  `yaml:"max_queue" koanf:"max_queue"` // 0 means 4 x batch_size
	CloseTimeoutMs  int  `yaml:"close_timeout_ms" koanf:"close_timeout_ms"`
}

// IntegrityConfig controls the hash chain over written records.
type IntegrityConfig struct {
	Chain bool `yaml:"chain" koanf:"chain"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"` // json, text
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `yaml:"addr" koanf:"addr"`
	CORSOrigins []string `yaml:"cors_origins" koanf:"cors_origins"`
}

// WebhooksConfig configures diagnostic notifications.
type WebhooksConfig struct {
	Enabled    bool         `yaml:"enabled" koanf:"enabled"`
	MaxRetries int          `yaml:"max_retries" koanf:"max_retries"`
	Hooks      []HookConfig `yaml:"hooks" koanf:"hooks"`
}

// HookConfig is a single webhook endpoint.
type HookConfig struct {
	URL    string   `yaml:"url" koanf:"url"`
	Secret string   `yaml:"secret,omitempty" koanf:"secret"`
	Events []string `yaml:"events" koanf:"events"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Path: filepath.Join("data", "audit", "audit.log"),
		Rotation: RotationConfig{
			Enabled:          true,
			MaxSize:          "100MB",
			MaxFiles:         10,
			Compress:         true,
			CompressionLevel: "default",
		},
		Retention: RetentionConfig{Days: 90},
		Performance: PerformanceConfig{
			BatchSize:       100,
			FlushIntervalMs: 5000,
			CloseTimeoutMs:  5000,
		},
		Integrity: IntegrityConfig{Chain: true},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{Addr: ":8089"},
		Webhooks: WebhooksConfig{
			MaxRetries: 3,
		},
	}
}

// Load reads configuration from path, then overlays AUDITKIT_* environment
// variables. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errclass.ErrConfiguration.Wrapf(err, "read config %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errclass.ErrConfiguration.Wrapf(err, "access config %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errclass.ErrConfiguration.Wrap(err, "load env overrides")
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errclass.ErrConfiguration.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// envKey maps AUDITKIT_ROTATION__MAX_SIZE to rotation.max_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable by the writer.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errclass.ErrConfiguration.WithMessage("path is required")
	}
	if _, err := ParseSize(c.Rotation.MaxSize); err != nil {
		return err
	}
	if c.Rotation.MaxFiles < 1 {
		return errclass.ErrConfiguration.WithMessagef("rotation.max_files must be at least 1, got %d", c.Rotation.MaxFiles)
	}
	switch c.Rotation.CompressionLevel {
	case "", "fast", "default", "max":
	default:
		return errclass.ErrConfiguration.WithMessagef("invalid rotation.compression_level %q: must be fast, default or max", c.Rotation.CompressionLevel)
	}
	if c.Retention.Days < 0 {
		return errclass.ErrConfiguration.WithMessage("retention.days must be non-negative")
	}
	if c.Performance.BatchSize < 1 {
		return errclass.ErrConfiguration.WithMessagef("performance.batch_size must be at least 1, got %d", c.Performance.BatchSize)
	}
	if c.Performance.FlushIntervalMs < 0 {
		return errclass.ErrConfiguration.WithMessage("performance.flush_interval_ms must be non-negative")
	}
	if c.Performance.MaxQueue != 0 && c.Performance.MaxQueue < c.Performance.BatchSize {
		return errclass.ErrConfiguration.WithMessagef("performance.max_queue (%d) must be 0 or at least batch_size (%d)",
			c.Performance.MaxQueue, c.Performance.BatchSize)
	}
	if c.Performance.CloseTimeoutMs < 0 {
		return errclass.ErrConfiguration.WithMessage("performance.close_timeout_ms must be non-negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return errclass.ErrConfiguration.WithMessagef("invalid logging.format %q: must be json or text", c.Logging.Format)
	}
	for i, h := range c.Webhooks.Hooks {
		if h.URL == "" {
			return errclass.ErrConfiguration.WithMessagef("webhooks.hooks[%d].url is required", i)
		}
	}
	return nil
}

// MaxSizeBytes returns rotation.max_size in bytes.
func (c *Config) MaxSizeBytes() (int64, error) {
	return ParseSize(c.Rotation.MaxSize)
}

// MaxQueue returns the effective bound on buffered records.
func (c *Config) MaxQueue() int {
	if c.Performance.MaxQueue > 0 {
		return c.Performance.MaxQueue
	}
	return 4 * c.Performance.BatchSize
}

// FlushInterval returns performance.flush_interval_ms as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Performance.FlushIntervalMs) * time.Millisecond
}

// CloseTimeout returns performance.close_timeout_ms as a duration.
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.Performance.CloseTimeoutMs) * time.Millisecond
}
