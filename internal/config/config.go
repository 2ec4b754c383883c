// Package config handles configuration loading and validation for upnp-port-forward.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Discovery backends.
const (
	BackendNative = "native"
	BackendGoUPnP = "goupnp"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// DiscoveryConfig holds configuration for gateway discovery.
type DiscoveryConfig struct {
	Backend     string        `yaml:"backend"`      // "native" or "goupnp"
	Timeout     time.Duration `yaml:"timeout"`      // SSDP search window, e.g. "3s"
	HTTPTimeout time.Duration `yaml:"http_timeout"` // Description and SOAP request timeout
}

// MappingConfig holds defaults for the map command.
type MappingConfig struct {
	Duration   time.Duration `yaml:"duration"`    // Lease duration (default: 30m)
	WANService string        `yaml:"wan_service"` // Service name tried before the built-in ones
	Permanent  bool          `yaml:"permanent"`   // Request a permanent lease (0) instead of Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig holds metrics output configuration.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // Path for the node_exporter textfile collector (optional)
}

// Config is the complete upnp-port-forward configuration.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Discovery.Backend == "" {
		c.Discovery.Backend = BackendNative
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 3 * time.Second
	}
	if c.Discovery.HTTPTimeout == 0 {
		c.Discovery.HTTPTimeout = 8 * time.Second
	}
	if c.Mapping.Duration == 0 {
		c.Mapping.Duration = 30 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatConsole
	}
	// Expand home directory in textfile path
	if strings.HasPrefix(c.Metrics.Textfile, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.Metrics.Textfile = filepath.Join(homeDir, c.Metrics.Textfile[2:])
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Discovery.Backend {
	case BackendNative, BackendGoUPnP:
	default:
		return fmt.Errorf("discovery.backend must be %q or %q, got %q", BackendNative, BackendGoUPnP, c.Discovery.Backend)
	}
	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be positive, got %s", c.Discovery.Timeout)
	}
	if c.Discovery.HTTPTimeout <= 0 {
		return fmt.Errorf("discovery.http_timeout must be positive, got %s", c.Discovery.HTTPTimeout)
	}
	if c.Mapping.Duration < 0 || c.Mapping.Duration/time.Second > math.MaxUint32 {
		return fmt.Errorf("mapping.duration %s out of range", c.Mapping.Duration)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", FormatConsole, FormatJSON, c.Log.Format)
	}
	return nil
}
