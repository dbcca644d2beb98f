package config

import (
	"sort"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/auditkit/auditkit/pkg/errclass"
)

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func intField(key string, p func(c *Config) *int) field {
	return field{
		get: func(c *Config) string { return strconv.Itoa(*p(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errclass.ErrConfiguration.WithMessagef("%s must be an integer, got %q", key, v)
			}
			*p(c) = n
			return nil
		},
	}
}

func boolField(key string, p func(c *Config) *bool) field {
	return field{
		get: func(c *Config) string { return strconv.FormatBool(*p(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errclass.ErrConfiguration.WithMessagef("%s must be true or false, got %q", key, v)
			}
			*p(c) = b
			return nil
		},
	}
}

var fields = map[string]field{
	"path":                          stringField(func(c *Config) *string { return &c.Path }),
	"rotation.enabled":              boolField("rotation.enabled", func(c *Config) *bool { return &c.Rotation.Enabled }),
	"rotation.max_size":             stringField(func(c *Config) *string { return &c.Rotation.MaxSize }),
	"rotation.max_files":            intField("rotation.max_files", func(c *Config) *int { return &c.Rotation.MaxFiles }),
	"rotation.compress":             boolField("rotation.compress", func(c *Config) *bool { return &c.Rotation.Compress }),
	"rotation.compression_level":    stringField(func(c *Config) *string { return &c.Rotation.CompressionLevel }),
	"retention.days":                intField("retention.days", func(c *Config) *int { return &c.Retention.Days }),
	"performance.batch_size":        intField("performance.batch_size", func(c *Config) *int { return &c.Performance.BatchSize }),
	"performance.flush_interval_ms": intField("performance.flush_interval_ms", func(c *Config) *int { return &c.Performance.FlushIntervalMs }),
	"performance.sync":              boolField("performance.sync", func(c *Config) *bool { return &c.Performance.Sync }),
	"performance.max_queue":         intField("performance.max_queue", func(c *Config) *int { return &c.Performance.MaxQueue }),
	"performance.close_timeout_ms":  intField("performance.close_timeout_ms", func(c *Config) *int { return &c.Performance.CloseTimeoutMs }),
	"integrity.chain":               boolField("integrity.chain", func(c *Config) *bool { return &c.Integrity.Chain }),
	"logging.level":                 stringField(func(c *Config) *string { return &c.Logging.Level }),
	"logging.format":                stringField(func(c *Config) *string { return &c.Logging.Format }),
	"server.addr":                   stringField(func(c *Config) *string { return &c.Server.Addr }),
	"server.cors_origins": {
		get: func(c *Config) string {
			if len(c.Server.CORSOrigins) == 0 {
				return ""
			}
			out, _ := yamlv3.Marshal(c.Server.CORSOrigins)
			return string(out)
		},
		set: func(c *Config, v string) error {
			var origins []string
			if err := yamlv3.Unmarshal([]byte(v), &origins); err != nil {
				return errclass.ErrConfiguration.Wrap(err, "server.cors_origins must be a YAML list")
			}
			c.Server.CORSOrigins = origins
			return nil
		},
	},
	"webhooks.enabled":     boolField("webhooks.enabled", func(c *Config) *bool { return &c.Webhooks.Enabled }),
	"webhooks.max_retries": intField("webhooks.max_retries", func(c *Config) *int { return &c.Webhooks.MaxRetries }),
}

// Keys returns the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of a config value.
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", errclass.ErrConfiguration.WithMessagef("unknown config key %q", key)
	}
	return f.get(c), nil
}

// Set parses value and assigns it to key. The resulting config is validated
// and left unchanged when invalid.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return errclass.ErrConfiguration.WithMessagef("unknown config key %q", key)
	}
	next := *c
	if err := f.set(&next, value); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
