// Package config provides configuration loading and management for Stagecraft.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv. Env always wins over files.
const (
	EnvBusURL       = "MESSAGE_BUS_URL"
	EnvKVURL        = "KV_URL"
	EnvKVNamespace  = "KV_NAMESPACE"
	EnvKVDefaultTTL = "KV_DEFAULT_TTL"
)

// coordinatorEnvVars maps phase names to their enable flags.
var coordinatorEnvVars = map[string]string{
	"plan":    "ENABLE_PLAN",
	"code":    "ENABLE_CODE",
	"certify": "ENABLE_CERTIFY",
	"deploy":  "ENABLE_DEPLOY",
	"monitor": "ENABLE_MONITOR",
}

// Config represents the complete Stagecraft configuration
type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	KV           KVConfig           `yaml:"kv"`
	Model        ModelConfig        `yaml:"model"`
	Definitions  DefinitionsConfig  `yaml:"definitions"`
	Coordinators CoordinatorsConfig `yaml:"coordinators"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
}

// BusConfig configures the message bus connection
type BusConfig struct {
	// URL is the bus server URL (empty = use the in-process bus)
	URL string `yaml:"url"`
	// Embedded indicates whether to run without an external bus
	Embedded bool `yaml:"embedded"`
}

// KVConfig configures the key-value store
type KVConfig struct {
	// URL is the KV server URL (empty = share the bus connection)
	URL string `yaml:"url"`
	// Namespace prefixes every key written by this deployment
	Namespace string `yaml:"namespace"`
	// DefaultTTL applies to keys written without an explicit TTL
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ModelConfig configures the model client used by agents
type ModelConfig struct {
	// Endpoint is the OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// Name is the model to request (e.g., "gpt-4o-mini")
	Name string `yaml:"name"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// APIKey is never read from or written to files; env only.
	APIKey string `yaml:"-"`
}

// DefinitionsConfig configures the workflow definition store
type DefinitionsConfig struct {
	// Dir holds per-platform YAML definitions (empty = built-in sequences only)
	Dir string `yaml:"dir"`
	// Watch enables hot-reload of the definitions directory
	Watch bool `yaml:"watch"`
}

// CoordinatorsConfig selects which phase coordinators the process runs
type CoordinatorsConfig struct {
	Plan    bool `yaml:"plan"`
	Code    bool `yaml:"code"`
	Certify bool `yaml:"certify"`
	Deploy  bool `yaml:"deploy"`
	Monitor bool `yaml:"monitor"`
}

// Enabled returns the enabled phase names in pipeline order.
func (c CoordinatorsConfig) Enabled() []string {
	var phases []string
	for _, p := range []struct {
		name string
		on   bool
	}{
		{"plan", c.Plan},
		{"code", c.Code},
		{"certify", c.Certify},
		{"deploy", c.Deploy},
		{"monitor", c.Monitor},
	} {
		if p.on {
			phases = append(phases, p.name)
		}
	}
	return phases
}

// AggregatorConfig configures the metrics aggregator and broadcaster
type AggregatorConfig struct {
	// ListenAddr serves /metrics and the /ws broadcaster (empty = disabled)
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:      "",
			Embedded: true,
		},
		KV: KVConfig{
			URL:        "",
			Namespace:  "stagecraft",
			DefaultTTL: time.Hour,
		},
		Model: ModelConfig{
			Endpoint:    "https://api.openai.com/v1",
			Name:        "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     3 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Dir:   "",
			Watch: true,
		},
		Coordinators: CoordinatorsConfig{
			Plan:    true,
			Code:    true,
			Certify: true,
			Deploy:  true,
			Monitor: true,
		},
		Aggregator: AggregatorConfig{
			ListenAddr: ":8090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.KV.Namespace == "" {
		return fmt.Errorf("kv.namespace is required")
	}
	if c.KV.DefaultTTL < time.Second {
		return fmt.Errorf("kv.default_ttl must be at least 1s")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
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

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Bus
	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
		c.Bus.Embedded = false
	}

	// KV
	if other.KV.URL != "" {
		c.KV.URL = other.KV.URL
	}
	if other.KV.Namespace != "" {
		c.KV.Namespace = other.KV.Namespace
	}
	if other.KV.DefaultTTL != 0 {
		c.KV.DefaultTTL = other.KV.DefaultTTL
	}

	// Model
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Name != "" {
		c.Model.Name = other.Model.Name
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// Coordinators: the section is copied whole. Merge sources come from
	// LoadFromFile, which fills defaults, so absent sections arrive as the
	// default selection rather than all-false.
	c.Coordinators = other.Coordinators

	// Definitions
	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
		c.Definitions.Watch = other.Definitions.Watch
	}

	// Aggregator
	if other.Aggregator.ListenAddr != "" {
		c.Aggregator.ListenAddr = other.Aggregator.ListenAddr
	}
}

// ApplyEnv overlays environment variables onto the config. Env always wins
// over file values.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvBusURL); v != "" {
		c.Bus.URL = v
		c.Bus.Embedded = false
	}
	if v := os.Getenv(EnvKVURL); v != "" {
		c.KV.URL = v
	}
	if v := os.Getenv(EnvKVNamespace); v != "" {
		c.KV.Namespace = v
	}
	if v := os.Getenv(EnvKVDefaultTTL); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			return fmt.Errorf("%s must be a positive number of seconds, got %q", EnvKVDefaultTTL, v)
		}
		c.KV.DefaultTTL = time.Duration(secs) * time.Second
	}

	for phase, envVar := range coordinatorEnvVars {
		v := os.Getenv(envVar)
		if v == "" {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got %q", envVar, v)
		}
		switch phase {
		case "plan":
			c.Coordinators.Plan = on
		case "code":
			c.Coordinators.Code = on
		case "certify":
			c.Coordinators.Certify = on
		case "deploy":
			c.Coordinators.Deploy = on
		case "monitor":
			c.Coordinators.Monitor = on
		}
	}

	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("MODEL_ENDPOINT"); v != "" {
		c.Model.Endpoint = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		c.Model.Name = v
	}

	return nil
}
