// ABOUTME: Relay host that accepts worker streams and routes envelopes between them.
// ABOUTME: Owns the gRPC and HTTP servers, the agent directory, and the in-flight table.

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

type hostState int

const (
	stateIdle hostState = iota
	stateRunning
	stateStopped
)

// Host is the rendezvous point for relay workers.
type Host struct {
	config     *config.Config
	hostID     string
	directory  *Directory
	inflight   *inflightTable
	seen       *dedupe.Cache[string]
	metrics    *Metrics
	grpcServer *grpc.Server
	httpServer *http.Server
	tailnet    *tailnet
	logger     *slog.Logger

	sendTimeout      time.Duration
	inflightTTL      time.Duration
	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	mu       sync.Mutex
	state    hostState
	conns    map[*Connection]struct{}
	grpcAddr net.Addr
	httpAddr net.Addr
	cancel   context.CancelFunc
	group    *errgroup.Group
	serveErr chan error
}

// New creates a Host from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sendTimeout := cfg.Routing.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = config.DefaultSendTimeout
	}
	inflightTTL := cfg.Routing.InflightTTL
	if inflightTTL == 0 {
		inflightTTL = config.DefaultInflightTTL
	}
	dedupeWindow := cfg.Routing.DedupeWindow
	if dedupeWindow == 0 {
		dedupeWindow = config.DefaultDedupeWindow
	}

	h := &Host{
		config:           cfg,
		hostID:           generateHostID(),
		directory:        NewDirectory(logger.With("component", "directory")),
		inflight:         newInflightTable(),
		seen:             dedupe.New[string](dedupeWindow, 100_000, 0),
		metrics:          NewMetrics(),
		logger:           logger.With("component", "host"),
		sendTimeout:      sendTimeout,
		inflightTTL:      inflightTTL,
		heartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		sweepInterval:    time.Second,
		conns:            make(map[*Connection]struct{}),
	}

	h.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	pb.RegisterRelayControlServer(h.grpcServer, newRelayControlServer(h, logger.With("component", "grpc")))

	if cfg.Server.HTTPAddr != "" || cfg.Tailscale.Enabled {
		h.httpServer = &http.Server{
			Handler:           h.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return h, nil
}

// ID returns the host id sent to workers in Welcome.
func (h *Host) ID() string {
	return h.hostID
}

// Directory exposes the agent directory.
func (h *Host) Directory() *Directory {
	return h.directory
}

// Metrics exposes the host's collectors.
func (h *Host) Metrics() *Metrics {
	return h.metrics
}

// Addr returns the bound gRPC address, or nil before Start.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grpcAddr
}

// HTTPAddr returns the bound HTTP address, or nil if HTTP is disabled.
func (h *Host) HTTPAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.httpAddr
}

// Start binds the listeners and begins accepting workers. Starting a running
// host is a no-op; starting a stopped host fails with ErrHostStopped.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateRunning:
		return nil
	case stateStopped:
		return fault.ErrHostStopped
	}

	grpcLn, httpLn, err := h.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	serveErr := make(chan error, 2)

	g.Go(func() error {
		h.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := h.grpcServer.Serve(grpcLn); err != nil {
			err = fmt.Errorf("gRPC server: %w", err)
			serveErr <- err
			return err
		}
		return nil
	})

	if httpLn != nil {
		g.Go(func() error {
			h.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := h.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				err = fmt.Errorf("HTTP server: %w", err)
				serveErr <- err
				return err
			}
			return nil
		})
		h.httpAddr = httpLn.Addr()
	}

	g.Go(func() error {
		h.monitor(gctx)
		return nil
	})

	h.grpcAddr = grpcLn.Addr()
	h.cancel = cancel
	h.group = g
	h.serveErr = serveErr
	h.state = stateRunning

	h.logger.Info("host started", "host_id", h.hostID)
	return nil
}

// Run starts the host and blocks until ctx is cancelled or a server fails,
// then shuts down. Returns nil on graceful shutdown.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	serveErr := h.serveErr
	h.mu.Unlock()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-serveErr:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs Stop with a fresh context and timeout since the
// caller's context is already cancelled.
func (h *Host) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Stop(ctx)
}

// Stop closes every worker connection and the servers. Later registrations
// and routes fail with ErrHostStopped. Stopping twice is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateRunning {
		if h.state == stateIdle {
			h.state = stateStopped
			h.seen.Close()
		}
		h.mu.Unlock()
		return nil
	}
	h.state = stateStopped
	conns := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.logger.Info("shutting down host", "workers", len(conns))

	for _, conn := range conns {
		conn.Close()
	}

	var errs []error
	if h.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))
	}
	h.shutdownGRPCServer(ctx)
	if h.tailnet != nil {
		errs = appendCloseError(errs, "tailscale shutdown", h.tailnet.Close())
	}

	h.cancel()
	errs = appendCloseError(errs, "server group", h.group.Wait())

	h.directory.Clear()
	h.inflight.takeAll(func(*route) bool { return true })
	h.seen.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (h *Host) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		h.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		h.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (h *Host) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if h.config.Tailscale.Enabled {
		return h.setupTailnetListeners(ctx)
	}
	return h.setupTCPListeners()
}

// setupTCPListeners creates the gRPC listener and, if configured, the HTTP one.
func (h *Host) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	h.logger.Info("starting host",
		"grpc_addr", h.config.Server.GRPCAddr,
		"http_addr", h.config.Server.HTTPAddr,
	)

	grpcLn, err = listen(h.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	if h.config.Server.HTTPAddr == "" {
		return grpcLn, nil, nil
	}

	httpLn, err = listen(h.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// listen binds addr, reporting an address held by another process as ErrAlreadyRunning.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s: %w", fault.ErrAlreadyRunning, addr, err)
		}
		return nil, err
	}
	return ln, nil
}

// attach tracks a newly connected worker.
func (h *Host) attach(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateRunning {
		return fault.ErrHostStopped
	}
	h.conns[conn] = struct{}{}
	h.metrics.workers.Set(float64(len(h.conns)))

	h.logger.Info("=== WORKER CONNECTED ===",
		"worker_id", conn.WorkerID,
		"connection_id", conn.ID,
		"total_workers", len(h.conns),
	)
	return nil
}

// detach cleans up after a worker stream ends: its directory entries go,
// requests it was serving fail with agent_unreachable, and requests it
// started are cancelled at their targets.
func (h *Host) detach(conn *Connection) {
	conn.Close()

	h.mu.Lock()
	delete(h.conns, conn)
	remaining := len(h.conns)
	h.metrics.workers.Set(float64(remaining))
	h.mu.Unlock()

	removed := h.directory.RemoveConnection(conn)
	h.metrics.agentTypes.Set(float64(h.directory.Len()))

	failed := h.inflight.takeAll(func(r *route) bool { return r.target == conn })
	for _, r := range failed {
		h.metrics.routed.WithLabelValues(fault.KindAgentUnreachable).Inc()
		env := (&pb.Envelope{ID: r.id, Recipient: r.recipient}).Fail(
			fault.Detail(fault.ErrAgentUnreachable, r.recipient, fmt.Sprintf("worker %s disconnected", conn.WorkerID)),
		)
		h.deliver(r.origin, env)
	}

	orphaned := h.inflight.takeAll(func(r *route) bool { return r.origin == conn })
	for _, r := range orphaned {
		notice := &pb.Envelope{ID: r.id, Recipient: r.recipient, Kind: pb.KindRequest, Cancellation: true}
		h.deliver(r.target, notice)
	}
	h.metrics.inflight.Set(float64(h.inflight.len()))

	h.logger.Info("=== WORKER DISCONNECTED ===",
		"worker_id", conn.WorkerID,
		"connection_id", conn.ID,
		"agent_types", removed,
		"failed_requests", len(failed),
		"cancelled_requests", len(orphaned),
		"total_workers", remaining,
	)
}

// Register routes agentType to conn. It reports whether a different worker
// owned the type before.
func (h *Host) Register(agentType string, conn *Connection) (bool, error) {
	if h.stopped() {
		return false, fault.ErrHostStopped
	}
	if err := pb.NewAgentID(agentType, "").Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", fault.ErrInvalidEnvelope, err)
	}

	if h.config.Routing.Registration == config.RegistrationReject {
		owner, ok := h.directory.Claim(agentType, conn)
		if !ok {
			h.metrics.registrations.WithLabelValues("rejected").Inc()
			return false, fmt.Errorf("%w: %s is served by worker %s", ErrTypeOwned, agentType, owner.WorkerID)
		}
		h.metrics.agentTypes.Set(float64(h.directory.Len()))
		h.metrics.registrations.WithLabelValues("new").Inc()
		return false, nil
	}

	previous := h.directory.Register(agentType, conn)
	h.metrics.agentTypes.Set(float64(h.directory.Len()))
	if previous != nil {
		h.metrics.registrations.WithLabelValues("replaced").Inc()
		return true, nil
	}
	h.metrics.registrations.WithLabelValues("new").Inc()
	return false, nil
}

// Deregister withdraws conn's registration of agentType.
func (h *Host) Deregister(agentType string, conn *Connection) bool {
	removed := h.directory.Deregister(agentType, conn)
	h.metrics.agentTypes.Set(float64(h.directory.Len()))
	return removed
}

func (h *Host) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateStopped
}

// monitor sweeps stale in-flight entries and silent workers until ctx ends.
func (h *Host) monitor(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Host) sweep(now time.Time) {
	expired := h.inflight.takeAll(func(r *route) bool { return now.After(r.expires) })
	if len(expired) > 0 {
		h.metrics.inflight.Set(float64(h.inflight.len()))
		h.logger.Debug("dropped expired in-flight requests", "count", len(expired))
	}

	if h.heartbeatTimeout <= 0 {
		return
	}

	h.mu.Lock()
	var silent []*Connection
	for conn := range h.conns {
		if now.Sub(conn.LastSeen()) > h.heartbeatTimeout {
			silent = append(silent, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range silent {
		h.logger.Warn("worker missed heartbeats, closing connection",
			"worker_id", conn.WorkerID,
			"last_seen", conn.LastSeen(),
		)
		conn.Close()
	}
}

// generateHostID creates a unique identifier for this host instance.
func generateHostID() string {
	return "relay-host-" + uuid.NewString()[:8]
}
