// ABOUTME: Configuration loading and parsing for the relay host
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a setting is absent.
const (
	DefaultHeartbeatTimeout = 45 * time.Second
	DefaultSendTimeout      = 5 * time.Second
	DefaultInflightTTL      = 2 * time.Minute
	DefaultDedupeWindow     = 5 * time.Minute
	DefaultMetricsPath      = "/metrics"
)

// Registration policies for an agent type another worker already serves.
const (
	RegistrationReplace = "replace"
	RegistrationReject  = "reject"
)

// Config represents the complete relay host configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Agents    AgentsConfig    `yaml:"agents"`
	Routing   RoutingConfig   `yaml:"routing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"` // Serve HTTP over TLS with Tailscale certs on :443
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"` // Empty disables the HTTP surface
}

// AgentsConfig holds worker liveness configuration
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
}

// RoutingConfig holds envelope routing timing configuration
type RoutingConfig struct {
	SendTimeout  time.Duration `yaml:"-"`
	InflightTTL  time.Duration `yaml:"-"`
	DedupeWindow time.Duration `yaml:"-"`

	SendTimeoutRaw  string `yaml:"send_timeout"`
	InflightTTLRaw  string `yaml:"inflight_ttl"`
	DedupeWindowRaw string `yaml:"dedupe_window"`

	// Registration is "replace" (last writer wins) or "reject".
	Registration string `yaml:"registration"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills settings the file left out. An explicit "0s" heartbeat
// timeout stays zero and disables liveness checks.
func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatTimeoutRaw == "" {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Routing.SendTimeout == 0 {
		c.Routing.SendTimeout = DefaultSendTimeout
	}
	if c.Routing.InflightTTL == 0 {
		c.Routing.InflightTTL = DefaultInflightTTL
	}
	if c.Routing.DedupeWindow == 0 {
		c.Routing.DedupeWindow = DefaultDedupeWindow
	}
	if c.Routing.Registration == "" {
		c.Routing.Registration = RegistrationReplace
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The gRPC address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.GRPCAddr == "" {
		return errors.New("server.grpc_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Agents.HeartbeatTimeout < 0 {
		return errors.New("agents.heartbeat_timeout must not be negative")
	}
	if c.Routing.SendTimeout < 0 || c.Routing.InflightTTL < 0 || c.Routing.DedupeWindow < 0 {
		return errors.New("routing durations must not be negative")
	}
	switch c.Routing.Registration {
	case "", RegistrationReplace, RegistrationReject:
	default:
		return fmt.Errorf("routing.registration %q must be replace or reject", c.Routing.Registration)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with '/'", c.Metrics.Path)
	}

	return validateLogging(c.Logging)
}

func validateLogging(l LoggingConfig) error {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", l.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"send_timeout", cfg.Routing.SendTimeoutRaw, &cfg.Routing.SendTimeout},
		{"inflight_ttl", cfg.Routing.InflightTTLRaw, &cfg.Routing.InflightTTL},
		{"dedupe_window", cfg.Routing.DedupeWindowRaw, &cfg.Routing.DedupeWindow},
	}
	return parseDurationFields(fields)
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurationFields(fields []durationField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
