// ABOUTME: Worker runtime options and their defaults.
// ABOUTME: Covers host addressing, timeouts, dispatch concurrency, and start-time retry.

package worker

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// Default option values.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRetiredTTL        = 5 * time.Minute
	DefaultMaxAttempts       = 5
	DefaultInitialInterval   = 100 * time.Millisecond
	DefaultMaxInterval       = 2 * time.Second
)

// Concurrency selects how requests for a single agent instance are run.
type Concurrency int

const (
	// Serialized runs one request at a time per agent instance.
	Serialized Concurrency = iota
	// Parallel runs every request in its own goroutine.
	Parallel
)

func (c Concurrency) String() string {
	switch c {
	case Serialized:
		return "serialized"
	case Parallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// ParseConcurrency parses "serialized" or "parallel". Empty means Serialized.
func ParseConcurrency(s string) (Concurrency, bool) {
	switch s {
	case "", "serialized":
		return Serialized, true
	case "parallel":
		return Parallel, true
	default:
		return Serialized, false
	}
}

// RetryPolicy bounds the connection attempts made by Start.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Runtime.
type Options struct {
	// HostAddr is the host's gRPC address. Empty runs the worker standalone.
	HostAddr string

	// WorkerID names this worker to the host. Defaults to a random id.
	WorkerID string

	RequestTimeout time.Duration
	Concurrency    Concurrency

	// MaxConcurrentDispatch caps handlers running at once. Zero is unlimited.
	MaxConcurrentDispatch int64

	DrainTimeout time.Duration

	// HeartbeatInterval is the gap between heartbeats. Negative disables them.
	HeartbeatInterval time.Duration

	Retry RetryPolicy

	// RetiredTTL is how long abandoned request ids are remembered so late
	// replies can be told apart from unknown ones.
	RetiredTTL time.Duration

	Logger *slog.Logger

	// Registerer receives the runtime's metrics. Nil skips registration.
	Registerer prometheus.Registerer

	DialOptions []grpc.DialOption
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = DefaultInitialInterval
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = DefaultMaxInterval
	}
	if o.RetiredTTL <= 0 {
		o.RetiredTTL = DefaultRetiredTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
