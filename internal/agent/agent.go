// ABOUTME: Agent handler contract, factories, and the outbound request type.
// ABOUTME: Workers invoke Handle; handlers call other agents through a Sender.

package agent

import (
	"context"
	"time"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// Agent handles requests addressed to one AgentID.
type Agent interface {
	Handle(ctx context.Context, mc *Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Agent interface.
type HandlerFunc func(ctx context.Context, mc *Context, payload []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, mc *Context, payload []byte) ([]byte, error) {
	return f(ctx, mc, payload)
}

// Factory creates the agent instance for id. It is called at most once per id
// for the lifetime of a worker.
type Factory func(id pb.AgentID) (Agent, error)

// Static returns a Factory that serves every id with the same agent.
func Static(a Agent) Factory {
	return func(pb.AgentID) (Agent, error) {
		return a, nil
	}
}

// Outbound describes one request to send.
type Outbound struct {
	Sender    pb.AgentID
	Recipient pb.AgentID
	Payload   []byte

	// Timeout bounds the wait for a reply. Zero uses the runtime default.
	Timeout time.Duration

	// TraceContext is passed to the recipient unchanged. Nil lets the
	// runtime inject one from ctx.
	TraceContext map[string]string
}

// Sender delivers an Outbound request and waits for its reply.
type Sender interface {
	SendMessage(ctx context.Context, out Outbound) ([]byte, error)
}

// Caller sends a payload to recipient with a fixed sender identity.
type Caller interface {
	Send(ctx context.Context, recipient pb.AgentID, payload []byte) ([]byte, error)
}

// As returns a Caller that sends through s as from.
func As(s Sender, from pb.AgentID) Caller {
	return &boundCaller{sender: s, from: from}
}

type boundCaller struct {
	sender Sender
	from   pb.AgentID
}

func (c *boundCaller) Send(ctx context.Context, recipient pb.AgentID, payload []byte) ([]byte, error) {
	return c.sender.SendMessage(ctx, Outbound{Sender: c.from, Recipient: recipient, Payload: payload})
}
