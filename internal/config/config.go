// Package config loads and validates the YAML configuration file:
// connector attribute maps keyed by "type:label", the default instance
// connector, sync tuning, and dialect capability overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pipestream-io/pipestream/internal/dialect"
	"github.com/pipestream-io/pipestream/internal/notify"
)

// Defaults applied by applyDefaults.
const (
	DefaultInstance   = "sql:main"
	DefaultChunksize  = 900
	DefaultRetries    = 10
	DefaultMinSeconds = 1
	DefaultBacktrack  = 1440

	DefaultConnectMaxRetries = 40
	DefaultConnectWaitSecs   = 3
)

// Config is the root of the YAML configuration file.
type Config struct {
	// Instance names the default instance connector, "type:label".
	Instance string `yaml:"instance"`

	// Connectors maps "type:label" to that connector's attributes.
	Connectors map[string]map[string]interface{} `yaml:"connectors"`

	Sync    SyncConfig           `yaml:"sync"`
	Connect ConnectConfig        `yaml:"connect"`
	Dialect DialectConfig        `yaml:"dialect"`
	Logging LoggingConfig        `yaml:"logging"`
	Notify  notify.WebhookConfig `yaml:"notify"`
}

// SyncConfig tunes the sync loop.
type SyncConfig struct {
	// Chunksize is the default rows-per-chunk for reads and writes.
	Chunksize int `yaml:"chunksize"`

	// Retries and MinSeconds bound the forced re-sync loop.
	Retries    int `yaml:"retries"`
	MinSeconds int `yaml:"min_seconds"`

	// BacktrackMinutes is how far before the last sync time a fetch
	// reaches back by default.
	BacktrackMinutes int `yaml:"backtrack_minutes"`
}

// ConnectConfig tunes the connection retry loop.
type ConnectConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	WaitSeconds int `yaml:"wait_seconds"`
}

// DialectConfig overrides the flavor capability sets.
type DialectConfig struct {
	BulkFlavors    []string `yaml:"bulk_flavors"`
	NoChunkFlavors []string `yaml:"no_chunk_flavors"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// requiredAttributes lists the attributes a connector of each type
// must define, either directly or via a uri.
var requiredAttributes = map[string][]string{
	"sql": {"flavor"},
	"api": {"host"},
}

// Default returns a usable configuration with a single local sqlite
// instance, for running without a config file.
func Default() *Config {
	cfg := &Config{
		Instance: DefaultInstance,
		Connectors: map[string]map[string]interface{}{
			DefaultInstance: {
				"flavor":   "sqlite",
				"database": defaultSQLitePath(),
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if c.Connectors == nil {
		c.Connectors = map[string]map[string]interface{}{}
	}
	if c.Sync.Chunksize == 0 {
		c.Sync.Chunksize = DefaultChunksize
	}
	if c.Sync.Retries == 0 {
		c.Sync.Retries = DefaultRetries
	}
	if c.Sync.MinSeconds == 0 {
		c.Sync.MinSeconds = DefaultMinSeconds
	}
	if c.Sync.BacktrackMinutes == 0 {
		c.Sync.BacktrackMinutes = DefaultBacktrack
	}
	if c.Connect.MaxRetries == 0 {
		c.Connect.MaxRetries = DefaultConnectMaxRetries
	}
	if c.Connect.WaitSeconds == 0 {
		c.Connect.WaitSeconds = DefaultConnectWaitSecs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if err := validateKeys(c.Instance); err != nil {
		return fmt.Errorf("instance: %w", err)
	}
	for keys, attrs := range c.Connectors {
		if err := validateKeys(keys); err != nil {
			return fmt.Errorf("connector %q: %w", keys, err)
		}
		typ := strings.SplitN(keys, ":", 2)[0]
		required, known := requiredAttributes[typ]
		if !known {
			continue
		}
		if _, hasURI := attrs["uri"]; hasURI {
			continue
		}
		for _, attr := range required {
			if _, ok := attrs[attr]; !ok {
				return fmt.Errorf("connector %q: missing required attribute %q", keys, attr)
			}
		}
		if typ == "sql" {
			flavor, _ := attrs["flavor"].(string)
			if !dialect.Known(flavor) {
				return fmt.Errorf("connector %q: unknown flavor %q", keys, flavor)
			}
		}
	}
	return nil
}

// validateKeys checks the "type:label" shape and the reserved
// negation prefix.
func validateKeys(keys string) error {
	parts := strings.SplitN(keys, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("keys %q must be of the form type:label", keys)
	}
	for _, part := range parts {
		if strings.HasPrefix(part, "_") {
			return fmt.Errorf("keys %q may not begin with the reserved prefix %q", keys, "_")
		}
	}
	return nil
}

// Apply pushes the loaded settings into the process-wide registries.
func (c *Config) Apply() error {
	dialect.Configure(dialect.Capabilities{
		BulkFlavors:    c.Dialect.BulkFlavors,
		NoChunkFlavors: c.Dialect.NoChunkFlavors,
	})
	return nil
}

// ConnectorAttributes returns the attribute map for "type:label".
func (c *Config) ConnectorAttributes(keys string) (map[string]interface{}, bool) {
	attrs, ok := c.Connectors[keys]
	return attrs, ok
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pipestream.db"
	}
	return home + "/.pipestream/pipestream.db"
}
