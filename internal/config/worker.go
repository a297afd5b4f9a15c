// ABOUTME: Configuration for relay worker processes, loaded from YAML or TOML.
// ABOUTME: Declares the host address, dispatch policy, and which agent roles to host.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Agent roles a worker binary knows how to build.
const (
	RolePrefix      = "prefix"
	RoleEcho        = "echo"
	RoleCoordinator = "coordinator"
	RoleStartup     = "startup"
)

// WorkerConfig represents a relay worker configuration
type WorkerConfig struct {
	HostAddr              string `yaml:"host_addr" toml:"host_addr"`
	WorkerID              string `yaml:"worker_id" toml:"worker_id"`
	Concurrency           string `yaml:"concurrency" toml:"concurrency"`
	MaxConcurrentDispatch int64  `yaml:"max_concurrent_dispatch" toml:"max_concurrent_dispatch"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	DrainTimeout      time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw    string `yaml:"request_timeout" toml:"request_timeout"`
	DrainTimeoutRaw      string `yaml:"drain_timeout" toml:"drain_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`

	Retry   RetryConfig         `yaml:"retry" toml:"retry"`
	Agents  []AgentConfig       `yaml:"agents" toml:"agents"`
	Logging LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics WorkerMetricsConfig `yaml:"metrics" toml:"metrics"`
}

// RetryConfig holds the start-time connection retry policy
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval time.Duration `yaml:"-" toml:"-"`
	MaxInterval     time.Duration `yaml:"-" toml:"-"`

	InitialIntervalRaw string `yaml:"initial_interval" toml:"initial_interval"`
	MaxIntervalRaw     string `yaml:"max_interval" toml:"max_interval"`
}

// AgentConfig declares one agent type hosted by the worker
type AgentConfig struct {
	Type string `yaml:"type" toml:"type"`
	Role string `yaml:"role" toml:"role"`

	// Prefix is the label a prefix agent prepends. Defaults to Type.
	Prefix string `yaml:"prefix" toml:"prefix"`

	// Stages lists the agent ids a coordinator calls in order.
	Stages []string `yaml:"stages" toml:"stages"`

	// Separator joins coordinator stage results. Defaults to " | ".
	Separator string `yaml:"separator" toml:"separator"`
}

// WorkerMetricsConfig holds the worker's own metrics listener
type WorkerMetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// LoadWorker reads a worker configuration file. Files ending in .toml are
// parsed as TOML, anything else as YAML. ${VAR} references are expanded first.
func LoadWorker(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg WorkerConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *WorkerConfig) parseDurations() error {
	return parseDurationFields([]durationField{
		{"request_timeout", c.RequestTimeoutRaw, &c.RequestTimeout},
		{"drain_timeout", c.DrainTimeoutRaw, &c.DrainTimeout},
		{"heartbeat_interval", c.HeartbeatIntervalRaw, &c.HeartbeatInterval},
		{"retry.initial_interval", c.Retry.InitialIntervalRaw, &c.Retry.InitialInterval},
		{"retry.max_interval", c.Retry.MaxIntervalRaw, &c.Retry.MaxInterval},
	})
}

// Validate checks the worker configuration and returns the first problem found.
func (c *WorkerConfig) Validate() error {
	switch c.Concurrency {
	case "", "serialized", "parallel":
	default:
		return fmt.Errorf("concurrency %q must be serialized or parallel", c.Concurrency)
	}

	if c.MaxConcurrentDispatch < 0 {
		return errors.New("max_concurrent_dispatch must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must not be negative")
	}
	if c.RequestTimeout < 0 || c.DrainTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	if len(c.Agents) == 0 {
		return errors.New("at least one agent is required")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if err := a.validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if seen[a.Type] {
			return fmt.Errorf("agents[%d]: duplicate agent type %q", i, a.Type)
		}
		seen[a.Type] = true
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	return validateLogging(c.Logging)
}

func (a AgentConfig) validate() error {
	if a.Type == "" {
		return errors.New("type is required")
	}
	if strings.Contains(a.Type, "/") {
		return fmt.Errorf("type %q must not contain '/'", a.Type)
	}

	switch a.Role {
	case RolePrefix, RoleEcho, RoleStartup:
	case RoleCoordinator:
		if len(a.Stages) == 0 {
			return fmt.Errorf("coordinator %q needs at least one stage", a.Type)
		}
		for _, stage := range a.Stages {
			stageType, _, _ := strings.Cut(stage, "/")
			if stageType == "" {
				return fmt.Errorf("coordinator %q has an empty stage", a.Type)
			}
		}
	case "":
		return fmt.Errorf("role is required for %q", a.Type)
	default:
		return fmt.Errorf("unknown role %q for %q", a.Role, a.Type)
	}
	return nil
}
