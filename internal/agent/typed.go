// ABOUTME: Generic JSON helpers for agents with their own request/response types.
// ABOUTME: Typed adapts a typed handler to Agent; Call sends and decodes a reply.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// Typed adapts fn into an Agent that decodes Req and encodes Resp as JSON.
func Typed[Req, Resp any](fn func(ctx context.Context, mc *Context, req Req) (Resp, error)) Agent {
	return HandlerFunc(func(ctx context.Context, mc *Context, payload []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		resp, err := fn(ctx, mc, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}

// Call sends req to recipient through c and decodes the reply as Resp.
func Call[Req, Resp any](ctx context.Context, c Caller, recipient pb.AgentID, req Req) (Resp, error) {
	var resp Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encoding request: %w", err)
	}
	reply, err := c.Send(ctx, recipient, payload)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("decoding reply from %s: %w", recipient, err)
	}
	return resp, nil
}
