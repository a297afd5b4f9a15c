// ABOUTME: Deterministic demo stage agents and the startup-evaluation pipeline.
// ABOUTME: Prefixers label their input so pipeline results are predictable.

package pipeline

import (
	"context"
	"strings"

	"github.com/2389/relay-gateway/internal/agent"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// Prefixer returns a Factory for agents that reply "<prefix>:<content>".
func Prefixer(prefix string) agent.Factory {
	return agent.Static(agent.NewMux().Default(func(ctx context.Context, mc *agent.Context, msg agent.Message) (agent.Message, error) {
		return agent.Message{Kind: msg.Kind, Content: prefix + ":" + msg.Content}, nil
	}))
}

// Echo returns a Factory for agents that reply with their input unchanged.
func Echo() agent.Factory {
	return agent.Static(agent.HandlerFunc(func(ctx context.Context, mc *agent.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
}

// Coordinator returns a Factory building one coordinator per instance over p.
func Coordinator(p *Pipeline) agent.Factory {
	return agent.Static(NewCoordinator(p))
}

// Linear builds a pipeline calling agents in order, each stage receiving the
// previous stage's result.
func Linear(name string, agents ...pb.AgentID) *Pipeline {
	stages := make([]Stage, len(agents))
	for i, id := range agents {
		stages[i] = Stage{Name: id.Type, Agent: id}
	}
	return &Pipeline{Name: name, Stages: stages}
}

// StartupPipeline evaluates a startup idea: idea, then research on the idea,
// then a decision over both. The decision stage receives the idea and the
// research joined with " | ".
func StartupPipeline() *Pipeline {
	return &Pipeline{
		Name: "startup",
		Stages: []Stage{
			{Name: "idea", Agent: pb.NewAgentID("idea", "")},
			{Name: "research", Agent: pb.NewAgentID("research", "")},
			{
				Name:  "decision",
				Agent: pb.NewAgentID("decision", ""),
				Request: func(input string, prior []string) string {
					return strings.Join(prior, DefaultSeparator)
				},
			},
		},
		Fold: func(results []string) string {
			return strings.Join(results, DefaultSeparator)
		},
	}
}
