// ABOUTME: Outbound requests: local-first routing, correlation, timeout and cancellation.
// ABOUTME: A send suspends on its own reply channel until a terminal envelope arrives.

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// SendOption adjusts a single Send.
type SendOption func(*agent.Outbound)

// WithTimeout overrides the runtime's RequestTimeout for one send.
func WithTimeout(d time.Duration) SendOption {
	return func(o *agent.Outbound) {
		o.Timeout = d
	}
}

// WithSender sets the sender id the recipient sees.
func WithSender(id pb.AgentID) SendOption {
	return func(o *agent.Outbound) {
		o.Sender = id
	}
}

// WithTraceContext sets the trace carrier passed to the recipient.
func WithTraceContext(carrier map[string]string) SendOption {
	return func(o *agent.Outbound) {
		o.TraceContext = carrier
	}
}

// Send delivers payload to recipient and waits for the reply.
func (r *Runtime) Send(ctx context.Context, recipient pb.AgentID, payload []byte, opts ...SendOption) ([]byte, error) {
	out := agent.Outbound{Recipient: recipient, Payload: payload}
	for _, opt := range opts {
		opt(&out)
	}
	return r.SendMessage(ctx, out)
}

// SendMessage implements agent.Sender. Types registered on this worker are
// dispatched locally; everything else goes through the host.
func (r *Runtime) SendMessage(ctx context.Context, out agent.Outbound) ([]byte, error) {
	if err := out.Recipient.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidEnvelope, err)
	}
	if out.Recipient.Key == "" {
		out.Recipient.Key = pb.DefaultKey
	}

	state := r.getState()
	if state == stateStopped || r.baseCtx.Err() != nil {
		return nil, fault.New(fault.ErrCancelled, out.Recipient, "worker runtime stopped")
	}

	sender := out.Sender
	if sender.IsZero() {
		sender = r.self
	}
	timeout := out.Timeout
	if timeout <= 0 {
		timeout = r.opts.RequestTimeout
	}
	carrier := out.TraceContext
	if carrier == nil {
		carrier = agent.InjectTrace(ctx)
	}

	env := &pb.Envelope{
		ID:           uuid.NewString(),
		Sender:       sender,
		Recipient:    out.Recipient,
		Kind:         pb.KindRequest,
		Payload:      out.Payload,
		TraceContext: carrier,
	}

	_, local := r.factory(out.Recipient.Type)
	route := "local"
	var l *link
	if !local {
		route = "remote"
		var err error
		l, err = r.remoteLink(state, out.Recipient)
		if err != nil {
			r.metrics.sends.WithLabelValues(route, fault.KindOf(err)).Inc()
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if deadline, ok := callCtx.Deadline(); ok {
		env.DeadlineMs = deadline.UnixMilli()
	}

	replies := r.pending.add(env.ID, !local)
	started := time.Now()

	r.logger.Debug("sending request",
		"request_id", env.ID,
		"sender", sender.String(),
		"recipient", out.Recipient.String(),
		"route", route,
	)

	if local {
		r.dispatch(env, nil)
	} else if err := l.enqueue(callCtx, &pb.WorkerFrame{Envelope: env}); err != nil {
		r.pending.remove(env.ID)
		if callCtx.Err() != nil {
			return nil, r.abandon(ctx, env, nil, route, timeout)
		}
		r.metrics.sends.WithLabelValues(route, fault.KindAgentUnreachable).Inc()
		return nil, fault.New(fault.ErrAgentUnreachable, out.Recipient, "host link closed")
	}

	select {
	case reply := <-replies:
		r.metrics.sendDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		if reply.Kind == pb.KindError {
			err := fault.FromDetail(reply.Error)
			r.metrics.sends.WithLabelValues(route, fault.KindOf(err)).Inc()
			return nil, err
		}
		r.metrics.sends.WithLabelValues(route, "ok").Inc()
		return reply.Payload, nil

	case <-callCtx.Done():
		return nil, r.abandon(ctx, env, l, route, timeout)
	}
}

// remoteLink returns the link for a send to a type this worker does not serve.
func (r *Runtime) remoteLink(state runtimeState, recipient pb.AgentID) (*link, error) {
	if r.opts.HostAddr == "" {
		return nil, fault.New(fault.ErrAgentNotFound, recipient, "agent type %q is not registered on this standalone worker", recipient.Type)
	}
	if state == stateIdle {
		return nil, fmt.Errorf("%w: %w", fault.ErrConnection, ErrNotStarted)
	}
	l := r.currentLink()
	if l == nil || l.isClosed() {
		return nil, fault.New(fault.ErrAgentUnreachable, recipient, "host link closed")
	}
	return l, nil
}

// abandon stops waiting for env: the id is retired so a late reply is
// recognised, and the callee is told to give up. l is nil for local sends.
func (r *Runtime) abandon(ctx context.Context, env *pb.Envelope, l *link, route string, timeout time.Duration) error {
	r.retired.Mark(env.ID)
	r.pending.remove(env.ID)

	if l == nil {
		r.cancelActive(env.ID)
	} else {
		l.tryEnqueue(&pb.WorkerFrame{Envelope: env.CancelNotice()})
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		r.metrics.sends.WithLabelValues(route, fault.KindCancelled).Inc()
		return fault.New(fault.ErrCancelled, env.Recipient, "%v", context.Cause(ctx))
	}
	r.metrics.sends.WithLabelValues(route, fault.KindTimeout).Inc()
	r.logger.Debug("request timed out", "request_id", env.ID, "recipient", env.Recipient.String(), "timeout", timeout)
	return fault.New(fault.ErrTimeout, env.Recipient, "no reply within %s", timeout)
}
