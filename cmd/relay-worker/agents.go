// ABOUTME: Builds agent factories from the roles declared in a worker config.
// ABOUTME: prefix, echo, coordinator, and startup roles map onto the pipeline package.

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/pipeline"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// buildFactory returns the factory for one configured agent.
func buildFactory(a config.AgentConfig, logger *slog.Logger) (agent.Factory, error) {
	switch a.Role {
	case config.RolePrefix:
		prefix := a.Prefix
		if prefix == "" {
			prefix = a.Type
		}
		return pipeline.Prefixer(prefix), nil

	case config.RoleEcho:
		return pipeline.Echo(), nil

	case config.RoleCoordinator:
		ids := make([]pb.AgentID, 0, len(a.Stages))
		for _, stage := range a.Stages {
			id, err := pb.ParseAgentID(stage)
			if err != nil {
				return nil, fmt.Errorf("coordinator %q: %w", a.Type, err)
			}
			ids = append(ids, id)
		}
		p := pipeline.Linear(a.Type, ids...)
		if a.Separator != "" {
			sep := a.Separator
			p.Fold = func(results []string) string {
				return strings.Join(results, sep)
			}
		}
		p.Logger = logger
		return pipeline.Coordinator(p), nil

	case config.RoleStartup:
		p := pipeline.StartupPipeline()
		p.Name = a.Type
		p.Logger = logger
		return pipeline.Coordinator(p), nil

	default:
		return nil, fmt.Errorf("unknown role %q for %q", a.Role, a.Type)
	}
}
