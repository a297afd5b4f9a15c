// ABOUTME: Tests for worker configuration loading from YAML and TOML
// ABOUTME: Covers agent role validation and duration parsing

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWorker_YAML(t *testing.T) {
	path := writeConfig(t, "worker.yaml", `
host_addr: "127.0.0.1:50051"
worker_id: "w-research"
concurrency: "parallel"
max_concurrent_dispatch: 8
request_timeout: "10s"
drain_timeout: "2s"
heartbeat_interval: "5s"
retry:
  max_attempts: 7
  initial_interval: "50ms"
  max_interval: "1s"
agents:
  - type: research
    role: prefix
  - type: coordinator
    role: coordinator
    stages: ["idea", "research/r1"]
    separator: " + "
metrics:
  enabled: true
  addr: "127.0.0.1:9102"
`)

	cfg, err := LoadWorker(path)
	if err != nil {
		t.Fatalf("LoadWorker() error = %v", err)
	}

	if cfg.HostAddr != "127.0.0.1:50051" || cfg.WorkerID != "w-research" {
		t.Errorf("HostAddr/WorkerID = %q/%q", cfg.HostAddr, cfg.WorkerID)
	}
	if cfg.Concurrency != "parallel" || cfg.MaxConcurrentDispatch != 8 {
		t.Errorf("Concurrency = %q, MaxConcurrentDispatch = %d", cfg.Concurrency, cfg.MaxConcurrentDispatch)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, 10*time.Second)
	}
	if cfg.DrainTimeout != 2*time.Second {
		t.Errorf("DrainTimeout = %v, want %v", cfg.DrainTimeout, 2*time.Second)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, 5*time.Second)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.InitialInterval != 50*time.Millisecond || cfg.Retry.MaxInterval != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("Agents len = %d, want 2", len(cfg.Agents))
	}
	if got := cfg.Agents[1].Stages; len(got) != 2 || got[1] != "research/r1" {
		t.Errorf("Agents[1].Stages = %v", got)
	}
	if cfg.Agents[1].Separator != " + " {
		t.Errorf("Agents[1].Separator = %q, want %q", cfg.Agents[1].Separator, " + ")
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
}

func TestLoadWorker_TOML(t *testing.T) {
	t.Setenv("TEST_RELAY_HOST", "relay.internal:50051")

	path := writeConfig(t, "worker.toml", `
host_addr = "${TEST_RELAY_HOST}"
worker_id = "w-startup"
request_timeout = "45s"

[retry]
max_attempts = 3

[[agents]]
type = "idea"
role = "prefix"
prefix = "IDEA"

[[agents]]
type = "startup"
role = "startup"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadWorker(path)
	if err != nil {
		t.Fatalf("LoadWorker() error = %v", err)
	}

	if cfg.HostAddr != "relay.internal:50051" {
		t.Errorf("HostAddr = %q, want %q", cfg.HostAddr, "relay.internal:50051")
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, 45*time.Second)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0].Prefix != "IDEA" || cfg.Agents[1].Role != RoleStartup {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoadWorker_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "worker.toml", "host_addr = \n")
	if _, err := LoadWorker(path); err == nil {
		t.Error("LoadWorker() expected error for invalid TOML, got nil")
	}
}

func TestWorkerConfig_Validate(t *testing.T) {
	prefix := AgentConfig{Type: "research", Role: RolePrefix}

	tests := []struct {
		name          string
		cfg           WorkerConfig
		wantErrSubstr string
	}{
		{
			name: "standalone worker",
			cfg:  WorkerConfig{Agents: []AgentConfig{prefix}},
		},
		{
			name:          "no agents",
			cfg:           WorkerConfig{HostAddr: "127.0.0.1:50051"},
			wantErrSubstr: "at least one agent",
		},
		{
			name:          "bad concurrency",
			cfg:           WorkerConfig{Concurrency: "greedy", Agents: []AgentConfig{prefix}},
			wantErrSubstr: "concurrency",
		},
		{
			name:          "negative dispatch limit",
			cfg:           WorkerConfig{MaxConcurrentDispatch: -1, Agents: []AgentConfig{prefix}},
			wantErrSubstr: "max_concurrent_dispatch",
		},
		{
			name:          "duplicate agent type",
			cfg:           WorkerConfig{Agents: []AgentConfig{prefix, prefix}},
			wantErrSubstr: "duplicate agent type",
		},
		{
			name:          "missing role",
			cfg:           WorkerConfig{Agents: []AgentConfig{{Type: "research"}}},
			wantErrSubstr: "role is required",
		},
		{
			name:          "unknown role",
			cfg:           WorkerConfig{Agents: []AgentConfig{{Type: "research", Role: "oracle"}}},
			wantErrSubstr: "unknown role",
		},
		{
			name:          "slash in type",
			cfg:           WorkerConfig{Agents: []AgentConfig{{Type: "a/b", Role: RoleEcho}}},
			wantErrSubstr: "must not contain '/'",
		},
		{
			name:          "coordinator without stages",
			cfg:           WorkerConfig{Agents: []AgentConfig{{Type: "coord", Role: RoleCoordinator}}},
			wantErrSubstr: "needs at least one stage",
		},
		{
			name:          "coordinator with empty stage",
			cfg:           WorkerConfig{Agents: []AgentConfig{{Type: "coord", Role: RoleCoordinator, Stages: []string{"idea", "/k"}}}},
			wantErrSubstr: "empty stage",
		},
		{
			name: "metrics without addr",
			cfg: WorkerConfig{
				Agents:  []AgentConfig{prefix},
				Metrics: WorkerMetricsConfig{Enabled: true},
			},
			wantErrSubstr: "metrics.addr",
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
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}
