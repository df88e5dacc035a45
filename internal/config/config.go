// Package config loads runtime configuration from an optional YAML file
// with environment variable overrides. Flags beat env, env beats file,
// file beats defaults; the command wires the flag layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redgraph/redgraph/internal/types"
)

// Duration parses YAML strings like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	// Listen is the HTTP API bind address.
	Listen string `yaml:"listen"`
	// ToolHostURL is the JSON-RPC tool host endpoint.
	ToolHostURL string `yaml:"tool_host_url"`
	// RetrieverURL enables background-knowledge retrieval when set.
	RetrieverURL string `yaml:"retriever_url"`
	// DataDir holds the checkpoint database and operation logs.
	DataDir string `yaml:"data_dir"`
	// MaxOperations caps concurrently running operations.
	MaxOperations int `yaml:"max_operations"`
	// ToolTimeout bounds one tool invocation.
	ToolTimeout Duration `yaml:"tool_timeout"`

	// Defaults applied to operations that leave options unset.
	Defaults types.Options `yaml:"defaults"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen:        ":8844",
		ToolHostURL:   "http://127.0.0.1:8700/rpc",
		DataDir:       "data",
		MaxOperations: 4,
		ToolTimeout:   Duration(120 * time.Second),
		Defaults:      types.DefaultOptions(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDGRAPH_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("REDGRAPH_TOOL_HOST_URL"); v != "" {
		c.ToolHostURL = v
	}
	if v := os.Getenv("REDGRAPH_RETRIEVER_URL"); v != "" {
		c.RetrieverURL = v
	}
	if v := os.Getenv("REDGRAPH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REDGRAPH_MAX_OPERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxOperations = n
		}
	}
	if v := os.Getenv("REDGRAPH_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ToolTimeout = Duration(d)
		}
	}
	if v := os.Getenv("REDGRAPH_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.MaxParallel = n
		}
	}
	if v := os.Getenv("REDGRAPH_STEP_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.StepBudget = n
		}
	}
	if v := os.Getenv("REDGRAPH_HITL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Defaults.HITL = b
		}
	}
}

func (c *Config) validate() error {
	if c.ToolHostURL == "" {
		return fmt.Errorf("config: tool_host_url is required")
	}
	if c.MaxOperations <= 0 {
		return fmt.Errorf("config: max_operations must be positive, got %d", c.MaxOperations)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("config: tool_timeout must be positive, got %s", c.ToolTimeout.Std())
	}
	c.Defaults = c.Defaults.Normalize()
	return nil
}
