// ABOUTME: Envelope routing between worker connections.
// ABOUTME: Requests go to the directory owner; replies and cancels follow the in-flight table.

package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// Route forwards env, received from origin, to its destination. Failures the
// host detects itself are answered to origin with an error envelope and also
// returned. Route never waits on another worker's queue: a target that has
// fallen behind fails the request with agent_unreachable, and a worker too
// far behind to take a reply or rejection is disconnected.
func (h *Host) Route(ctx context.Context, origin *Connection, env *pb.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		if env.ID == "" || env.Kind != pb.KindRequest {
			h.metrics.routed.WithLabelValues(fault.KindInvalidEnvelope).Inc()
			h.logger.Warn("dropping malformed envelope", "worker_id", origin.WorkerID, "error", err)
			return fmt.Errorf("%w: %v", fault.ErrInvalidEnvelope, err)
		}
		return h.reject(origin, env, fault.ErrInvalidEnvelope, err.Error())
	}

	if h.stopped() {
		if env.Kind != pb.KindRequest || env.IsCancel() {
			return fault.ErrHostStopped
		}
		return h.reject(origin, env, fault.ErrHostStopped, "host is shutting down")
	}

	switch {
	case env.IsCancel():
		h.forwardCancel(origin, env)
		return nil
	case env.Kind == pb.KindRequest:
		return h.forwardRequest(origin, env)
	default:
		h.forwardReply(origin, env)
		return nil
	}
}

func (h *Host) forwardRequest(origin *Connection, env *pb.Envelope) error {
	if h.seen.CheckAndMark(env.ID) {
		return h.reject(origin, env, fault.ErrInvalidEnvelope, fmt.Sprintf("duplicate request id %s", env.ID))
	}

	target, ok := h.directory.Lookup(env.Recipient.Type)
	if !ok {
		return h.reject(origin, env, fault.ErrAgentNotFound, fmt.Sprintf("no worker serves agent type %q", env.Recipient.Type))
	}

	r := &route{
		id:        env.ID,
		origin:    origin,
		target:    target,
		recipient: env.Recipient,
		started:   time.Now(),
	}
	r.expires = r.started.Add(h.inflightTTL)
	if deadline, ok := env.Deadline(); ok && deadline.After(r.expires) {
		r.expires = deadline
	}
	if err := h.inflight.add(r); err != nil {
		return h.reject(origin, env, fault.ErrInvalidEnvelope, err.Error())
	}

	if err := target.TrySend(&pb.HostFrame{Envelope: env}); err != nil {
		h.inflight.take(env.ID, nil)
		return h.reject(origin, env, fault.ErrAgentUnreachable,
			fmt.Sprintf("worker %s for agent type %q: %v", target.WorkerID, env.Recipient.Type, err))
	}

	h.metrics.routed.WithLabelValues("forwarded").Inc()
	h.metrics.inflight.Set(float64(h.inflight.len()))
	h.logger.Debug("→ forwarded request",
		"request_id", env.ID,
		"sender", env.Sender.String(),
		"recipient", env.Recipient.String(),
		"worker_id", target.WorkerID,
	)
	return nil
}

// forwardReply delivers a response or error to the request's origin. Replies
// from anything but the recorded target are dropped.
func (h *Host) forwardReply(from *Connection, env *pb.Envelope) {
	r, ok := h.inflight.take(env.ID, func(r *route) bool { return r.target == from })
	if !ok {
		h.metrics.replies.WithLabelValues("unmatched").Inc()
		h.logger.Debug("dropping reply for unknown request",
			"request_id", env.ID,
			"worker_id", from.WorkerID,
		)
		return
	}
	h.metrics.inflight.Set(float64(h.inflight.len()))
	h.metrics.roundTrip.Observe(time.Since(r.started).Seconds())
	h.metrics.replies.WithLabelValues(string(env.Kind)).Inc()

	if !h.deliver(r.origin, env) {
		return
	}
	h.logger.Debug("← forwarded reply", "request_id", env.ID, "kind", env.Kind)
}

// forwardCancel passes a caller's cancellation notice on to the callee.
func (h *Host) forwardCancel(from *Connection, env *pb.Envelope) {
	r, ok := h.inflight.take(env.ID, func(r *route) bool { return r.origin == from })
	if !ok {
		return
	}
	h.metrics.inflight.Set(float64(h.inflight.len()))
	h.deliver(r.target, env)
	h.logger.Debug("forwarded cancellation", "request_id", env.ID, "worker_id", r.target.WorkerID)
}

// reject answers req on origin with a host-generated error and returns it.
func (h *Host) reject(origin *Connection, req *pb.Envelope, kind error, message string) error {
	err := fault.New(kind, req.Recipient, "%s", message)
	h.metrics.routed.WithLabelValues(fault.KindOf(kind)).Inc()
	h.logger.Debug("rejected request",
		"request_id", req.ID,
		"recipient", req.Recipient.String(),
		"error", err,
	)

	h.deliver(origin, req.Fail(fault.Detail(kind, req.Recipient, message)))
	return err
}

// deliver queues env for conn without waiting. A worker whose queue is full
// is disconnected, which fails its outstanding sends on its side.
func (h *Host) deliver(conn *Connection, env *pb.Envelope) bool {
	err := conn.TrySend(&pb.HostFrame{Envelope: env})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrOutboxFull):
		h.logger.Warn("worker is not draining its queue, disconnecting",
			"worker_id", conn.WorkerID,
			"connection_id", conn.ID,
			"request_id", env.ID,
		)
		conn.Close()
	default:
		h.logger.Debug("could not deliver envelope", "request_id", env.ID, "worker_id", conn.WorkerID, "error", err)
	}
	return false
}

// sendControl queues a handshake frame for conn, waiting at most sendTimeout
// for room in its queue.
func (h *Host) sendControl(ctx context.Context, conn *Connection, frame *pb.HostFrame) error {
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return conn.Send(ctx, frame)
}
