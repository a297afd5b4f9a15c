// ABOUTME: Tests for host configuration loading and validation
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

agents:
  heartbeat_timeout: "90s"

routing:
  send_timeout: "2s"
  inflight_ttl: "10m"
  dedupe_window: "1m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Agents.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, 90*time.Second)
	}
	if cfg.Routing.SendTimeout != 2*time.Second {
		t.Errorf("Routing.SendTimeout = %v, want %v", cfg.Routing.SendTimeout, 2*time.Second)
	}
	if cfg.Routing.InflightTTL != 10*time.Minute {
		t.Errorf("Routing.InflightTTL = %v, want %v", cfg.Routing.InflightTTL, 10*time.Minute)
	}
	if cfg.Routing.DedupeWindow != time.Minute {
		t.Errorf("Routing.DedupeWindow = %v, want %v", cfg.Routing.DedupeWindow, time.Minute)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/internal/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /internal/metrics", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: "127.0.0.1:50051"
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.Routing.SendTimeout != DefaultSendTimeout {
		t.Errorf("Routing.SendTimeout = %v, want %v", cfg.Routing.SendTimeout, DefaultSendTimeout)
	}
	if cfg.Routing.InflightTTL != DefaultInflightTTL {
		t.Errorf("Routing.InflightTTL = %v, want %v", cfg.Routing.InflightTTL, DefaultInflightTTL)
	}
	if cfg.Routing.DedupeWindow != DefaultDedupeWindow {
		t.Errorf("Routing.DedupeWindow = %v, want %v", cfg.Routing.DedupeWindow, DefaultDedupeWindow)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Routing.Registration != RegistrationReplace {
		t.Errorf("Routing.Registration = %q, want %q", cfg.Routing.Registration, RegistrationReplace)
	}
}

func TestLoad_ZeroHeartbeatDisablesLiveness(t *testing.T) {
	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: "127.0.0.1:50051"
agents:
  heartbeat_timeout: "0s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.HeartbeatTimeout != 0 {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 0", cfg.Agents.HeartbeatTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_GRPC_ADDR", "10.0.0.1:50051")
	t.Setenv("TEST_TS_AUTHKEY", "tskey-from-env")

	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: "${TEST_RELAY_GRPC_ADDR}"
tailscale:
  enabled: false
  hostname: "relay"
  auth_key: "${TEST_TS_AUTHKEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "10.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "10.0.0.1:50051")
	}
	if cfg.Tailscale.AuthKey != "tskey-from-env" {
		t.Errorf("Tailscale.AuthKey = %q, want %q", cfg.Tailscale.AuthKey, "tskey-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_RELAY_ADDR_FOR_TEST")

	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: "${UNSET_RELAY_ADDR_FOR_TEST}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for empty grpc_addr, got nil")
	}
	if !strings.Contains(err.Error(), "server.grpc_addr is required") {
		t.Errorf("Load() error = %q, want grpc_addr error", err.Error())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/host.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "host.yaml", `
server:
  grpc_addr: [unclosed
`)

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name  string
		field string
		yaml  string
	}{
		{
			name:  "heartbeat timeout",
			field: "heartbeat_timeout",
			yaml:  "agents:\n  heartbeat_timeout: \"forever\"\n",
		},
		{
			name:  "send timeout",
			field: "send_timeout",
			yaml:  "routing:\n  send_timeout: \"5 seconds\"\n",
		},
		{
			name:  "inflight ttl",
			field: "inflight_ttl",
			yaml:  "routing:\n  inflight_ttl: \"2x\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "host.yaml", "server:\n  grpc_addr: \"127.0.0.1:50051\"\n"+tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error for invalid %s, got nil", tt.field)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Load() error = %q, want mention of %q", err.Error(), tt.field)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}:${BAZ}", expected: "bar:qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "bare dollar is kept", input: "$FOO", expected: "$FOO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		wantErrSubstr string
	}{
		{
			name: "minimal tcp config",
			cfg:  Config{Server: ServerConfig{GRPCAddr: "127.0.0.1:50051"}},
		},
		{
			name: "tailscale enabled allows empty server addresses",
			cfg:  Config{Tailscale: TailscaleConfig{Enabled: true, Hostname: "relay"}},
		},
		{
			name:          "tailscale enabled requires hostname",
			cfg:           Config{Tailscale: TailscaleConfig{Enabled: true}},
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name:          "tailscale disabled requires grpc address",
			cfg:           Config{Tailscale: TailscaleConfig{Hostname: "relay"}},
			wantErrSubstr: "server.grpc_addr is required",
		},
		{
			name: "negative heartbeat timeout",
			cfg: Config{
				Server: ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Agents: AgentsConfig{HeartbeatTimeout: -time.Second},
			},
			wantErrSubstr: "heartbeat_timeout must not be negative",
		},
		{
			name: "negative routing duration",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Routing: RoutingConfig{InflightTTL: -time.Second},
			},
			wantErrSubstr: "routing durations",
		},
		{
			name: "reject registration policy",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Routing: RoutingConfig{Registration: RegistrationReject},
			},
		},
		{
			name: "unknown registration policy",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Routing: RoutingConfig{Registration: "first"},
			},
			wantErrSubstr: "routing.registration",
		},
		{
			name: "relative metrics path",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Metrics: MetricsConfig{Enabled: true, Path: "metrics"},
			},
			wantErrSubstr: "must start with '/'",
		},
		{
			name: "unknown log level",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Logging: LoggingConfig{Level: "chatty"},
			},
			wantErrSubstr: "logging.level",
		},
		{
			name: "unknown log format",
			cfg: Config{
				Server:  ServerConfig{GRPCAddr: "127.0.0.1:50051"},
				Logging: LoggingConfig{Format: "xml"},
			},
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}
