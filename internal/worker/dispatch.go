// ABOUTME: Inbound request dispatch: lazy instances, per-instance serialization, handler invocation.
// ABOUTME: Replies go back to the local waiter or onto the host link.

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// instance is one memoized agent. turn holds a token while a handler runs
// in Serialized mode.
type instance struct {
	id    pb.AgentID
	agent agent.Agent
	turn  chan struct{}
}

type activeDispatch struct {
	cancel    context.CancelFunc
	remote    bool
	abandoned atomic.Bool
}

// dispatch starts handling env. l is the link the request arrived on, nil
// for requests sent by this worker to itself.
func (r *Runtime) dispatch(env *pb.Envelope, l *link) {
	factory, ok := r.factory(env.Recipient.Type)
	if !ok {
		r.metrics.dispatches.WithLabelValues(env.Recipient.Type, fault.KindAgentNotFound).Inc()
		r.reply(l, env.Fail(fault.Detail(fault.ErrAgentNotFound, env.Recipient,
			fmt.Sprintf("agent type %q is not registered on worker %s", env.Recipient.Type, r.opts.WorkerID))))
		return
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	ad := &activeDispatch{cancel: cancel, remote: l != nil}
	if !r.trackActive(env.ID, ad) {
		cancel()
		r.metrics.dispatches.WithLabelValues(env.Recipient.Type, fault.KindCancelled).Inc()
		r.reply(l, env.Fail(fault.Detail(fault.ErrCancelled, env.Recipient, "worker is stopping")))
		return
	}

	go r.run(ctx, env, l, factory, ad)
}

func (r *Runtime) run(ctx context.Context, env *pb.Envelope, l *link, factory agent.Factory, ad *activeDispatch) {
	defer r.untrackActive(env.ID)
	defer ad.cancel()

	inst, err := r.instance(env.Recipient, factory)
	if err != nil {
		r.complete(ctx, env, l, ad, nil, err)
		return
	}

	if r.opts.Concurrency == Serialized {
		select {
		case inst.turn <- struct{}{}:
			defer func() { <-inst.turn }()
		case <-ctx.Done():
			r.complete(ctx, env, l, ad, nil, fault.New(fault.ErrCancelled, env.Recipient, "cancelled while queued"))
			return
		}
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.complete(ctx, env, l, ad, nil, fault.New(fault.ErrCancelled, env.Recipient, "cancelled while waiting for a dispatch slot"))
			return
		}
		defer r.sem.Release(1)
	}

	if ctx.Err() != nil {
		r.complete(ctx, env, l, ad, nil, fault.New(fault.ErrCancelled, env.Recipient, "cancelled before start"))
		return
	}

	r.metrics.activeHandlers.Inc()
	payload, err := r.invoke(ctx, inst, env)
	r.metrics.activeHandlers.Dec()

	r.complete(ctx, env, l, ad, payload, err)
}

func (r *Runtime) invoke(ctx context.Context, inst *instance, env *pb.Envelope) (payload []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"request_id", env.ID,
				"agent", env.Recipient.String(),
				"panic", rec,
			)
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()

	ctx = agent.ExtractTrace(ctx, env.TraceContext)
	mc := agent.NewContext(env.Recipient, env.Sender, env.ID, env.TraceContext, r)
	return inst.agent.Handle(ctx, mc, env.Payload)
}

// complete sends the handler's outcome back unless the caller already gave up.
func (r *Runtime) complete(ctx context.Context, env *pb.Envelope, l *link, ad *activeDispatch, payload []byte, err error) {
	if ad.abandoned.Load() {
		r.metrics.dispatches.WithLabelValues(env.Recipient.Type, "abandoned").Inc()
		r.logger.Debug("caller abandoned request, dropping reply", "request_id", env.ID, "agent", env.Recipient.String())
		return
	}

	if err == nil {
		r.metrics.dispatches.WithLabelValues(env.Recipient.Type, "ok").Inc()
		r.reply(l, env.Reply(payload))
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = fault.New(fault.ErrCancelled, env.Recipient, "handler cancelled: worker stopping")
	}
	r.metrics.dispatches.WithLabelValues(env.Recipient.Type, fault.KindOf(err)).Inc()
	r.logger.Debug("handler failed",
		"request_id", env.ID,
		"agent", env.Recipient.String(),
		"error", err,
	)
	r.reply(l, env.Fail(fault.ToDetail(err, env.Recipient)))
}

// reply routes a terminal envelope to a local waiter or back to the host.
func (r *Runtime) reply(l *link, env *pb.Envelope) {
	if l == nil {
		if !r.pending.deliver(env) {
			r.unclaimedReply(env)
		}
		return
	}
	if err := l.enqueue(context.Background(), &pb.WorkerFrame{Envelope: env}); err != nil {
		r.logger.Debug("dropping reply, host link closed", "request_id", env.ID, "error", err)
	}
}

func (r *Runtime) unclaimedReply(env *pb.Envelope) {
	if r.retired.Check(env.ID) {
		r.metrics.lateReplies.Inc()
		r.logger.Debug("discarding late reply", "request_id", env.ID, "kind", env.Kind)
		return
	}
	r.logger.Warn("received reply for unknown request", "request_id", env.ID, "kind", env.Kind)
}

// instance returns the memoized agent for id, creating it on first use.
func (r *Runtime) instance(id pb.AgentID, factory agent.Factory) (*instance, error) {
	r.instMu.Lock()
	defer r.instMu.Unlock()

	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}

	a, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("creating agent %s: %w", id, err)
	}
	if a == nil {
		return nil, fmt.Errorf("creating agent %s: factory returned nil", id)
	}

	inst := &instance{id: id, agent: a, turn: make(chan struct{}, 1)}
	r.instances[id] = inst
	r.logger.Debug("agent instance created", "agent", id.String())
	return inst, nil
}

// trackActive records a dispatch. Remote requests are refused once Stop has
// begun; requests a draining handler sends to this worker are still accepted.
func (r *Runtime) trackActive(id string, ad *activeDispatch) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == stateStopped || r.baseCtx.Err() != nil {
		return false
	}
	if r.state == stateStopping && ad.remote {
		return false
	}

	r.activeMu.Lock()
	r.active[id] = ad
	r.activeMu.Unlock()
	return true
}

func (r *Runtime) untrackActive(id string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	delete(r.active, id)
	if len(r.active) == 0 {
		for _, idle := range r.idleWaiters {
			close(idle)
		}
		r.idleWaiters = nil
	}
}

// cancelActive handles a caller's cancellation notice for request id.
func (r *Runtime) cancelActive(id string) {
	r.activeMu.Lock()
	ad, ok := r.active[id]
	r.activeMu.Unlock()

	if !ok {
		return
	}
	ad.abandoned.Store(true)
	ad.cancel()
	r.logger.Debug("request cancelled by caller", "request_id", id)
}

// abandonRemote cancels handlers whose replies can no longer reach the host.
func (r *Runtime) abandonRemote() {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	for _, ad := range r.active {
		if ad.remote {
			ad.abandoned.Store(true)
			ad.cancel()
		}
	}
}

func (r *Runtime) activeCount() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return len(r.active)
}
