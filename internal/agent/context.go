// ABOUTME: Per-invocation handling context given to an agent's Handle method.
// ABOUTME: Carries identities, the request id, and the inbound trace context.

package agent

import (
	"context"
	"errors"
	"time"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// ErrNoSender is returned by Context.Send when the context was built without a Sender.
var ErrNoSender = errors.New("handling context has no sender")

// Context describes the request being handled.
type Context struct {
	Self         pb.AgentID
	Caller       pb.AgentID
	RequestID    string
	TraceContext map[string]string

	sender Sender
}

// NewContext builds the handling context for one inbound request.
func NewContext(self, caller pb.AgentID, requestID string, trace map[string]string, sender Sender) *Context {
	return &Context{
		Self:         self,
		Caller:       caller,
		RequestID:    requestID,
		TraceContext: trace,
		sender:       sender,
	}
}

// Send issues a nested request from Self to recipient using the default timeout.
func (c *Context) Send(ctx context.Context, recipient pb.AgentID, payload []byte) ([]byte, error) {
	return c.SendWithTimeout(ctx, recipient, payload, 0)
}

// SendWithTimeout is Send with an explicit reply timeout.
func (c *Context) SendWithTimeout(ctx context.Context, recipient pb.AgentID, payload []byte, timeout time.Duration) ([]byte, error) {
	if c.sender == nil {
		return nil, ErrNoSender
	}
	return c.sender.SendMessage(ctx, Outbound{
		Sender:       c.Self,
		Recipient:    recipient,
		Payload:      payload,
		Timeout:      timeout,
		TraceContext: c.TraceContext,
	})
}
