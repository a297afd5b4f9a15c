// ABOUTME: The worker's stream to the host: handshake with retry, reader/writer loops, heartbeats.
// ABOUTME: One writer goroutine drains the outbox; the reader never blocks on handlers.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/relay-gateway/internal/fault"
	pb "github.com/2389/relay-gateway/proto/relay"
)

const outboxSize = 256

// errLinkClosed is returned when enqueueing onto a dead link.
var errLinkClosed = errors.New("host link closed")

type link struct {
	conn   *grpc.ClientConn
	stream pb.RelayControl_WorkerStreamClient
	cancel context.CancelFunc
	hostID string

	outbox    chan *pb.WorkerFrame
	closed    chan struct{}
	closeOnce sync.Once

	acksMu sync.Mutex
	acks   map[string][]chan *pb.RegisterAck
}

// connect dials the host and performs the Hello/Welcome handshake, retrying
// with exponential backoff up to Retry.MaxAttempts.
func (r *Runtime) connect(ctx context.Context) (*link, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	dialOpts = append(dialOpts, r.opts.DialOptions...)

	conn, err := grpc.NewClient(r.opts.HostAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", fault.ErrConnection, r.opts.HostAddr, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.Retry.InitialInterval
	b.MaxInterval = r.opts.Retry.MaxInterval

	attempt := 0
	l, err := backoff.Retry(ctx, func() (*link, error) {
		attempt++
		return r.handshake(ctx, conn)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("host not reachable, retrying",
				"host_addr", r.opts.HostAddr,
				"attempt", attempt,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: connecting to %s after %d attempts: %w", fault.ErrConnection, r.opts.HostAddr, attempt, err)
	}
	return l, nil
}

func (r *Runtime) handshake(ctx context.Context, conn *grpc.ClientConn) (*link, error) {
	streamCtx, cancel := context.WithCancel(r.baseCtx)
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (*link, error) {
		stop()
		cancel()
		return nil, err
	}

	stream, err := pb.NewRelayControlClient(conn).WorkerStream(streamCtx)
	if err != nil {
		return fail(fmt.Errorf("opening stream: %w", err))
	}

	if err := stream.Send(&pb.WorkerFrame{Hello: &pb.Hello{WorkerID: r.opts.WorkerID}}); err != nil {
		return fail(fmt.Errorf("sending hello: %w", err))
	}

	frame, err := stream.Recv()
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return fail(backoff.Permanent(fmt.Errorf("host does not serve the relay protocol: %w", err)))
		}
		return fail(fmt.Errorf("receiving welcome: %w", err))
	}
	welcome := frame.GetWelcome()
	if welcome == nil {
		return fail(backoff.Permanent(errors.New("expected welcome frame")))
	}

	if !stop() {
		// ctx ended after the handshake completed; the stream is already cancelled.
		cancel()
		return nil, backoff.Permanent(ctx.Err())
	}

	return &link{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		hostID: welcome.HostID,
		outbox: make(chan *pb.WorkerFrame, outboxSize),
		closed: make(chan struct{}),
		acks:   make(map[string][]chan *pb.RegisterAck),
	}, nil
}

// enqueue hands frame to the writer goroutine.
func (l *link) enqueue(ctx context.Context, frame *pb.WorkerFrame) error {
	select {
	case <-l.closed:
		return errLinkClosed
	default:
	}
	select {
	case l.outbox <- frame:
		return nil
	case <-l.closed:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue queues frame without blocking; best effort.
func (l *link) tryEnqueue(frame *pb.WorkerFrame) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.outbox <- frame:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.cancel()
	})
}

func (l *link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *link) expectAck(agentType string) chan *pb.RegisterAck {
	ch := make(chan *pb.RegisterAck, 1)
	l.acksMu.Lock()
	l.acks[agentType] = append(l.acks[agentType], ch)
	l.acksMu.Unlock()
	return ch
}

func (l *link) dropAck(agentType string, ch chan *pb.RegisterAck) {
	l.acksMu.Lock()
	defer l.acksMu.Unlock()
	waiters := l.acks[agentType]
	for i, w := range waiters {
		if w == ch {
			l.acks[agentType] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(l.acks[agentType]) == 0 {
		delete(l.acks, agentType)
	}
}

func (l *link) resolveAck(ack *pb.RegisterAck) bool {
	l.acksMu.Lock()
	waiters := l.acks[ack.AgentType]
	if len(waiters) == 0 {
		l.acksMu.Unlock()
		return false
	}
	ch := waiters[0]
	if len(waiters) == 1 {
		delete(l.acks, ack.AgentType)
	} else {
		l.acks[ack.AgentType] = waiters[1:]
	}
	l.acksMu.Unlock()

	ch <- ack
	return true
}

// announce registers agentType with the host and waits for the ack.
func (r *Runtime) announce(ctx context.Context, l *link, agentType string) (bool, error) {
	ch := l.expectAck(agentType)
	if err := l.enqueue(ctx, &pb.WorkerFrame{Register: &pb.Register{AgentType: agentType}}); err != nil {
		l.dropAck(agentType, ch)
		return false, fmt.Errorf("%w: registering %q: %w", fault.ErrConnection, agentType, err)
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			if sentinel, ok := fault.Sentinel(ack.ErrorKind); ok {
				detail := strings.TrimPrefix(strings.TrimPrefix(ack.Error, sentinel.Error()), ": ")
				if detail == "" {
					return false, fmt.Errorf("registering %q: %w", agentType, sentinel)
				}
				return false, fmt.Errorf("registering %q: %w: %s", agentType, sentinel, detail)
			}
			return false, fmt.Errorf("registering %q: %s", agentType, ack.Error)
		}
		return ack.Replaced, nil
	case <-l.closed:
		return false, fmt.Errorf("%w: registering %q: %w", fault.ErrConnection, agentType, errLinkClosed)
	case <-ctx.Done():
		l.dropAck(agentType, ch)
		return false, ctx.Err()
	}
}

func (r *Runtime) readLoop(l *link) {
	for {
		frame, err := l.stream.Recv()
		if err != nil {
			r.linkLost(l, err)
			return
		}

		switch {
		case frame.GetEnvelope() != nil:
			r.handleEnvelope(frame.Envelope, l)
		case frame.GetRegisterAck() != nil:
			if !l.resolveAck(frame.RegisterAck) {
				r.logger.Debug("unexpected register ack", "agent_type", frame.RegisterAck.AgentType)
			}
		case frame.GetWelcome() != nil:
			r.logger.Warn("duplicate welcome from host", "host_id", frame.Welcome.HostID)
		default:
			r.logger.Warn("empty frame from host")
		}
	}
}

func (r *Runtime) handleEnvelope(env *pb.Envelope, l *link) {
	switch {
	case env.IsCancel():
		r.cancelActive(env.ID)
	case env.Kind == pb.KindRequest:
		r.dispatch(env, l)
	case env.IsTerminal():
		if !r.pending.deliver(env) {
			r.unclaimedReply(env)
		}
	default:
		r.logger.Warn("dropping envelope with unknown kind", "request_id", env.ID, "kind", env.Kind)
	}
}

func (r *Runtime) writeLoop(l *link) {
	for {
		select {
		case frame := <-l.outbox:
			if err := l.stream.Send(frame); err != nil {
				r.logger.Debug("send to host failed", "error", err)
				l.close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (r *Runtime) heartbeatLoop(l *link) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if !l.tryEnqueue(&pb.WorkerFrame{Heartbeat: &pb.Heartbeat{TimestampMs: now.UnixMilli()}}) {
				r.logger.Debug("skipped heartbeat, outbox full")
			}
		case <-l.closed:
			return
		}
	}
}

// linkLost runs once the stream's reader exits. Outside of Stop this is a
// mid-session disconnect: remote sends fail with ErrAgentUnreachable and the
// runtime reports it through Done and Err. There is no reconnect.
func (r *Runtime) linkLost(l *link, err error) {
	l.close()

	if r.currentLink() != l {
		r.logger.Debug("previous host link closed", "error", err)
		return
	}

	state := r.getState()
	if state == stateStopping || state == stateStopped {
		r.logger.Debug("host link closed", "error", err)
		return
	}

	if errors.Is(err, io.EOF) {
		r.logger.Warn("host closed the stream")
	} else {
		r.logger.Error("lost connection to host", "error", err)
	}

	failed := r.pending.failAll(
		func(call *pendingCall) bool { return call.remote },
		func(id string) *pb.Envelope {
			return &pb.Envelope{ID: id, Kind: pb.KindError, Error: fault.Detail(fault.ErrAgentUnreachable, pb.AgentID{}, "connection to host lost")}
		},
	)
	if failed > 0 {
		r.logger.Warn("failed in-flight sends after disconnect", "count", failed)
	}
	r.abandonRemote()

	r.finish(fmt.Errorf("%w: %w", fault.ErrAgentUnreachable, err))
}
