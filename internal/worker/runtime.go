// ABOUTME: Worker runtime hosting agent instances and exchanging envelopes with the host.
// ABOUTME: Owns registration, lifecycle, and the disconnect/stop bookkeeping.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// ErrStopped is returned when starting or registering on a stopped runtime.
var ErrStopped = errors.New("worker runtime stopped")

// ErrTypeRegistered indicates the agent type already has a factory on this worker.
var ErrTypeRegistered = errors.New("agent type already registered")

// ErrNotStarted indicates a remote send was attempted before Start.
var ErrNotStarted = errors.New("worker runtime not started")

// clientType is the sender type used for sends made outside any handler.
const clientType = "client"

type runtimeState int

const (
	stateIdle runtimeState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Runtime hosts agent instances for one worker process.
type Runtime struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics
	self    pb.AgentID

	lifecycleMu sync.Mutex

	mu        sync.RWMutex
	state     runtimeState
	factories map[string]agent.Factory
	link      *link

	instMu    sync.Mutex
	instances map[pb.AgentID]*instance

	pending *pendingTable
	retired *dedupe.Cache[string]

	activeMu    sync.Mutex
	active      map[string]*activeDispatch
	idleWaiters []chan struct{}
	sem         *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New creates a runtime. Nothing connects until Start.
func New(opts Options) *Runtime {
	opts = opts.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	r := &Runtime{
		opts:       opts,
		logger:     opts.Logger.With("component", "worker", "worker_id", opts.WorkerID),
		metrics:    newMetrics(opts.Registerer),
		self:       pb.NewAgentID(clientType, opts.WorkerID),
		factories:  make(map[string]agent.Factory),
		instances:  make(map[pb.AgentID]*instance),
		pending:    newPendingTable(),
		retired:    dedupe.New[string](opts.RetiredTTL, 100_000, time.Minute),
		active:     make(map[string]*activeDispatch),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		done:       make(chan struct{}),
	}
	if opts.MaxConcurrentDispatch > 0 {
		r.sem = semaphore.NewWeighted(opts.MaxConcurrentDispatch)
	}
	return r
}

// ID returns the worker id announced to the host.
func (r *Runtime) ID() string {
	return r.opts.WorkerID
}

// Caller returns a Caller that sends on behalf of from.
func (r *Runtime) Caller(from pb.AgentID) agent.Caller {
	return agent.As(r, from)
}

// Start connects to the host (unless standalone) and announces every type
// registered so far. Calling Start on a running runtime is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch r.getState() {
	case stateRunning:
		return nil
	case stateStopping, stateStopped:
		return ErrStopped
	}

	var l *link
	if r.opts.HostAddr != "" {
		var err error
		l, err = r.connect(ctx)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.link = l
	r.state = stateRunning
	types := make([]string, 0, len(r.factories))
	for agentType := range r.factories {
		types = append(types, agentType)
	}
	r.mu.Unlock()

	if l == nil {
		r.logger.Info("worker started standalone", "agent_types", types)
		return nil
	}

	go r.readLoop(l)
	go r.writeLoop(l)
	if r.opts.HeartbeatInterval > 0 {
		go r.heartbeatLoop(l)
	}

	for _, agentType := range types {
		if _, err := r.announce(ctx, l, agentType); err != nil {
			r.disconnect(l)
			return fmt.Errorf("announcing %q: %w", agentType, err)
		}
	}

	r.logger.Info("=== WORKER CONNECTED ===",
		"host_addr", r.opts.HostAddr,
		"host_id", l.hostID,
		"agent_types", types,
	)
	return nil
}

// disconnect undoes a Start that failed after the handshake. The runtime goes
// back to idle so Start can be retried.
func (r *Runtime) disconnect(l *link) {
	r.mu.Lock()
	r.link = nil
	r.state = stateIdle
	r.mu.Unlock()

	l.close()
	if err := l.conn.Close(); err != nil {
		r.logger.Debug("closing host connection", "error", err)
	}
	r.pending.failAll(
		func(call *pendingCall) bool { return call.remote },
		func(id string) *pb.Envelope {
			return &pb.Envelope{ID: id, Kind: pb.KindError, Error: fault.Detail(fault.ErrAgentUnreachable, pb.AgentID{}, "worker start failed")}
		},
	)
	r.abandonRemote()
}

// Register adds a factory for agentType. Once connected, the host is told
// about the type and Register waits for its acknowledgement.
func (r *Runtime) Register(ctx context.Context, agentType string, factory agent.Factory) error {
	if err := pb.NewAgentID(agentType, "").Validate(); err != nil {
		return err
	}
	if factory == nil {
		return errors.New("factory is required")
	}

	r.mu.Lock()
	if r.state == stateStopping || r.state == stateStopped {
		r.mu.Unlock()
		return ErrStopped
	}
	if _, exists := r.factories[agentType]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTypeRegistered, agentType)
	}
	r.factories[agentType] = factory
	l := r.link
	running := r.state == stateRunning
	r.mu.Unlock()

	r.logger.Debug("agent type registered", "agent_type", agentType)

	if !running || l == nil {
		return nil
	}

	replaced, err := r.announce(ctx, l, agentType)
	if err != nil {
		r.mu.Lock()
		delete(r.factories, agentType)
		r.mu.Unlock()
		return err
	}
	if replaced {
		r.logger.Warn("took over agent type from another worker", "agent_type", agentType)
	}
	return nil
}

// Deregister removes agentType's factory and its instances and tells the host.
func (r *Runtime) Deregister(ctx context.Context, agentType string) error {
	r.mu.Lock()
	if _, ok := r.factories[agentType]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", fault.ErrAgentNotFound, agentType)
	}
	delete(r.factories, agentType)
	l := r.link
	running := r.state == stateRunning
	r.mu.Unlock()

	r.instMu.Lock()
	for id := range r.instances {
		if id.Type == agentType {
			delete(r.instances, id)
		}
	}
	r.instMu.Unlock()

	r.logger.Debug("agent type deregistered", "agent_type", agentType)

	if !running || l == nil {
		return nil
	}
	return l.enqueue(ctx, &pb.WorkerFrame{Deregister: &pb.Deregister{AgentType: agentType}})
}

// Stop rejects new work, drains running handlers for up to DrainTimeout,
// cancels whatever is left, fails outstanding sends, and closes the link.
func (r *Runtime) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	switch r.state {
	case stateStopped:
		r.mu.Unlock()
		return nil
	case stateIdle:
		r.state = stateStopped
		r.mu.Unlock()
		r.baseCancel()
		r.retired.Close()
		r.finish(ErrStopped)
		return nil
	}
	r.state = stateStopping
	l := r.link
	r.mu.Unlock()

	r.logger.Info("stopping worker", "active_handlers", r.activeCount())

	drainCtx, cancel := context.WithTimeout(ctx, r.opts.DrainTimeout)
	drained := r.waitDispatches(drainCtx)
	cancel()
	if !drained {
		r.logger.Warn("drain timed out, cancelling remaining handlers", "active_handlers", r.activeCount())
	}

	r.baseCancel()

	failed := r.pending.failAll(
		func(*pendingCall) bool { return true },
		func(id string) *pb.Envelope {
			return &pb.Envelope{ID: id, Kind: pb.KindError, Error: fault.Detail(fault.ErrCancelled, pb.AgentID{}, "worker runtime stopped")}
		},
	)
	if failed > 0 {
		r.logger.Debug("failed outstanding sends", "count", failed)
	}

	var err error
	if !r.waitDispatches(ctx) {
		err = fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}

	if l != nil {
		l.close()
		if closeErr := l.conn.Close(); closeErr != nil {
			r.logger.Debug("closing host connection", "error", closeErr)
		}
	}

	r.mu.Lock()
	r.state = stateStopped
	r.mu.Unlock()

	r.retired.Close()
	r.finish(ErrStopped)
	r.logger.Info("worker stopped")
	return err
}

// Done is closed once the runtime can no longer serve: after Stop or when the
// host connection is lost.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Err reports why Done was closed.
func (r *Runtime) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runtime) finish(err error) {
	r.doneOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		close(r.done)
	})
}

func (r *Runtime) getState() runtimeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) currentLink() *link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.link
}

func (r *Runtime) factory(agentType string) (agent.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[agentType]
	return f, ok
}

// waitDispatches waits for every tracked handler to finish or ctx to end.
func (r *Runtime) waitDispatches(ctx context.Context) bool {
	r.activeMu.Lock()
	if len(r.active) == 0 {
		r.activeMu.Unlock()
		return true
	}
	idle := make(chan struct{})
	r.idleWaiters = append(r.idleWaiters, idle)
	r.activeMu.Unlock()

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
