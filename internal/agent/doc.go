// Package agent defines the handler contract for relay agents.
//
// # Overview
//
// An Agent is addressed by a relay AgentID and handles one request at a time
// through its Handle method. Workers create agents lazily through a Factory
// registered per agent type; the instance for a given AgentID is created once
// and reused for every later request to that id.
//
//	rt.Register(ctx, "research", func(id relay.AgentID) (agent.Agent, error) {
//	    return agent.HandlerFunc(func(ctx context.Context, mc *agent.Context, payload []byte) ([]byte, error) {
//	        return payload, nil
//	    }), nil
//	})
//
// # Handling Context
//
// Every invocation receives a *Context carrying the agent's own id, the
// caller's id, the request id and the inbound trace context. Context.Send
// issues a nested request with the agent as sender and the inbound trace
// context carried forward unchanged.
//
// Cancellation of the inbound request (caller gave up, worker stopping)
// arrives as ctx.Done() on the handler's context.
//
// # Messages
//
// Message is the JSON payload used by the bundled agents. A Mux dispatches a
// decoded Message to the handler registered for its Kind:
//
//	mux := agent.NewMux().
//	    On("summarize", summarize).
//	    Default(echo)
//
// Typed and Call wrap JSON encoding for handlers and callers that exchange
// their own request and response structs.
package agent
