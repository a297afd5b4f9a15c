// ABOUTME: Represents a single connected worker and its outbound frame queue.
// ABOUTME: Routed frames never wait on a full queue; handshake frames wait at most until ctx ends.

package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// ErrConnectionClosed indicates the worker's connection has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// ErrOutboxFull indicates the worker is not draining its queue.
var ErrOutboxFull = errors.New("worker outbox full")

const outboxSize = 256

// Connection represents a connected worker stream.
type Connection struct {
	ID          string // unique per stream
	WorkerID    string // as announced in Hello
	ConnectedAt time.Time

	outbox chan *pb.HostFrame

	closeMu sync.Mutex // protects closed and done
	closed  bool
	done    chan struct{}

	lastSeen atomic.Int64
	logger   *slog.Logger
}

// NewConnection creates a Connection for a worker that just said hello.
func NewConnection(workerID string, logger *slog.Logger) *Connection {
	now := time.Now()
	c := &Connection{
		ID:          uuid.NewString(),
		WorkerID:    workerID,
		ConnectedAt: now,
		outbox:      make(chan *pb.HostFrame, outboxSize),
		done:        make(chan struct{}),
		logger:      logger,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Send queues a frame for the worker, waiting for room until ctx ends or
// the connection closes.
func (c *Connection) Send(ctx context.Context, frame *pb.HostFrame) error {
	if c.Closed() {
		return ErrConnectionClosed
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues a frame without waiting. It returns ErrOutboxFull when the
// worker has fallen behind.
func (c *Connection) TrySend(frame *pb.HostFrame) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close marks the connection closed and wakes its stream loops.
// Safe to call multiple times.
func (c *Connection) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Touch records activity from the worker.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the worker's most recent frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
