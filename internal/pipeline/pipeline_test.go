// ABOUTME: Tests for the orchestration pipeline state machine and demo agents.
// ABOUTME: Stage agents are served by an in-memory caller that counts invocations.

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// memCaller serves agents in-process and counts calls per agent type.
type memCaller struct {
	mu     sync.Mutex
	agents map[string]agent.Agent
	calls  map[string]int
	self   pb.AgentID
}

func newMemCaller() *memCaller {
	return &memCaller{
		agents: make(map[string]agent.Agent),
		calls:  make(map[string]int),
		self:   pb.NewAgentID("client", ""),
	}
}

func (m *memCaller) serve(t *testing.T, agentType string, f agent.Factory) {
	t.Helper()
	a, err := f(pb.NewAgentID(agentType, ""))
	require.NoError(t, err)
	m.agents[agentType] = a
}

func (m *memCaller) SendMessage(ctx context.Context, out agent.Outbound) ([]byte, error) {
	m.mu.Lock()
	a, ok := m.agents[out.Recipient.Type]
	m.calls[out.Recipient.Type]++
	m.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.ErrAgentNotFound, out.Recipient, "not served")
	}
	mc := agent.NewContext(out.Recipient, out.Sender, "req", out.TraceContext, m)
	payload, err := a.Handle(ctx, mc, out.Payload)
	if err != nil {
		// Mirror the wire: handler errors arrive as their decoded detail.
		return nil, fault.FromDetail(fault.ToDetail(err, out.Recipient))
	}
	return payload, nil
}

func (m *memCaller) Send(ctx context.Context, recipient pb.AgentID, payload []byte) ([]byte, error) {
	return m.SendMessage(ctx, agent.Outbound{Sender: m.self, Recipient: recipient, Payload: payload})
}

func (m *memCaller) count(agentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[agentType]
}

func failing(message string) agent.Factory {
	return agent.Static(agent.HandlerFunc(func(ctx context.Context, mc *agent.Context, payload []byte) ([]byte, error) {
		return nil, errors.New(message)
	}))
}

func TestPipeline_Run(t *testing.T) {
	t.Run("two stages fold in order", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "idea", Prefixer("idea"))
		mc.serve(t, "research", Prefixer("research"))

		p := Linear("two", pb.NewAgentID("idea", ""), pb.NewAgentID("research", ""))

		var seen []string
		p.Observe = func(from, to State) {
			seen = append(seen, from.String()+"->"+to.String())
		}

		res, err := p.Run(context.Background(), mc, "topic")
		require.NoError(t, err)

		assert.Equal(t, "idea:topic | research:idea:topic", res.Output)
		assert.Equal(t, []string{"idea:topic", "research:idea:topic"}, res.Results)
		assert.Equal(t, []string{
			"pending(idea)->pending(research)",
			"pending(research)->done",
		}, seen)
		assert.Len(t, res.States, 3)
		assert.Equal(t, 1, mc.count("idea"))
		assert.Equal(t, 1, mc.count("research"))
	})

	t.Run("startup pipeline feeds decision both results", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "idea", Prefixer("idea"))
		mc.serve(t, "research", Prefixer("research"))
		mc.serve(t, "decision", Prefixer("decision"))

		res, err := StartupPipeline().Run(context.Background(), mc, "topic")
		require.NoError(t, err)

		assert.Equal(t, "decision:idea:topic | research:idea:topic", res.Results[2])
		assert.Equal(t, "idea:topic | research:idea:topic | decision:idea:topic | research:idea:topic", res.Output)
	})

	t.Run("failing stage aborts without retry", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "idea", Prefixer("idea"))
		mc.serve(t, "research", failing("no data"))
		mc.serve(t, "decision", Prefixer("decision"))

		p := StartupPipeline()
		var last State
		p.Observe = func(from, to State) { last = to }

		_, err := p.Run(context.Background(), mc, "topic")
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, "research", stageErr.Stage)
		assert.Equal(t, 1, stageErr.Index)

		var remote *fault.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "no data", remote.Message)
		assert.Equal(t, pb.NewAgentID("research", ""), remote.Agent)

		assert.Equal(t, PhaseFailed, last.Phase)
		assert.Equal(t, "failed(research)", last.String())
		assert.Equal(t, 1, mc.count("idea"))
		assert.Equal(t, 1, mc.count("research"))
		assert.Equal(t, 0, mc.count("decision"))
	})

	t.Run("routing errors keep their kind", func(t *testing.T) {
		mc := newMemCaller()
		p := Linear("missing", pb.NewAgentID("ghost", ""))

		_, err := p.Run(context.Background(), mc, "x")
		assert.ErrorIs(t, err, fault.ErrAgentNotFound)
	})

	t.Run("empty pipeline is invalid", func(t *testing.T) {
		_, err := (&Pipeline{}).Run(context.Background(), newMemCaller(), "x")
		assert.Error(t, err)
	})

	t.Run("custom request and fold", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "echo", Echo())

		p := &Pipeline{
			Stages: []Stage{{
				Name:    "echo",
				Agent:   pb.NewAgentID("echo", ""),
				Request: func(input string, prior []string) string { return input + "!" },
			}},
			Fold: func(results []string) string { return "<" + results[0] + ">" },
		}

		res, err := p.Run(context.Background(), mc, "hey")
		require.NoError(t, err)
		assert.Equal(t, "<hey!>", res.Output)
	})
}

func TestCoordinator(t *testing.T) {
	t.Run("runs pipeline as an agent", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "idea", Prefixer("idea"))
		mc.serve(t, "research", Prefixer("research"))
		mc.serve(t, "coordinator", Coordinator(Linear("two", pb.NewAgentID("idea", ""), pb.NewAgentID("research", ""))))

		payload, err := agent.Text("topic")
		require.NoError(t, err)

		reply, err := mc.Send(context.Background(), pb.NewAgentID("coordinator", ""), payload)
		require.NoError(t, err)

		msg, err := agent.DecodeMessage(reply)
		require.NoError(t, err)
		assert.Equal(t, "idea:topic | research:idea:topic", msg.Content)
	})

	t.Run("re-raises the stage's remote error unchanged", func(t *testing.T) {
		mc := newMemCaller()
		mc.serve(t, "idea", Prefixer("idea"))
		mc.serve(t, "research", failing("no data"))
		mc.serve(t, "coordinator", Coordinator(Linear("two", pb.NewAgentID("idea", ""), pb.NewAgentID("research", ""))))

		payload, err := agent.Text("topic")
		require.NoError(t, err)

		_, err = mc.Send(context.Background(), pb.NewAgentID("coordinator", ""), payload)
		require.Error(t, err)

		assert.ErrorIs(t, err, &fault.RemoteError{Agent: pb.NewAgentID("research", ""), Message: "no data"})
		assert.Equal(t, 1, mc.count("idea"))
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "pending(a)", State{Phase: PhasePending, Name: "a"}.String())
	assert.Equal(t, "done", State{Phase: PhaseDone}.String())
	assert.Equal(t, "failed(b)", State{Phase: PhaseFailed, Name: "b"}.String())
}
