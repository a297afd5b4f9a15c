// ABOUTME: Error taxonomy shared by the relay host and workers.
// ABOUTME: Converts errors to and from the wire ErrorDetail without losing their kind.

package fault

import (
	"errors"
	"fmt"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// Wire codes for ErrorDetail.Kind.
const (
	KindAgentNotFound    = "agent_not_found"
	KindAgentUnreachable = "agent_unreachable"
	KindTimeout          = "timeout"
	KindRemote           = "remote_error"
	KindCancelled        = "cancelled"
	KindHostStopped      = "host_stopped"
	KindAlreadyRunning   = "already_running"
	KindConnection       = "connection_error"
	KindInvalidEnvelope  = "invalid_envelope"
	KindTypeOwned        = "type_owned"
)

var (
	// ErrAgentNotFound means no worker serves the recipient's agent type.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentUnreachable means the owning worker's connection is gone.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrTimeout means no response arrived within the allotted window.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled means the caller or the runtime gave up before completion.
	ErrCancelled = errors.New("request cancelled")

	// ErrHostStopped means the host no longer accepts registrations or routes.
	ErrHostStopped = errors.New("host stopped")

	// ErrAlreadyRunning means another host already owns the listen address.
	ErrAlreadyRunning = errors.New("host already running")

	// ErrConnection means a worker could not reach its host.
	ErrConnection = errors.New("connection error")

	// ErrInvalidEnvelope means the envelope could not be routed as sent.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrTypeOwned means the host refused a registration because another
	// worker already serves the agent type.
	ErrTypeOwned = errors.New("agent type already registered by another worker")
)

var sentinels = map[string]error{
	KindAgentNotFound:    ErrAgentNotFound,
	KindAgentUnreachable: ErrAgentUnreachable,
	KindTimeout:          ErrTimeout,
	KindCancelled:        ErrCancelled,
	KindHostStopped:      ErrHostStopped,
	KindAlreadyRunning:   ErrAlreadyRunning,
	KindConnection:       ErrConnection,
	KindInvalidEnvelope:  ErrInvalidEnvelope,
	KindTypeOwned:        ErrTypeOwned,
}

// Sentinel returns the sentinel error for a wire kind code.
func Sentinel(kind string) (error, bool) {
	err, ok := sentinels[kind]
	return err, ok
}

// RemoteError is an application failure raised by a callee's handler.
// Message is the callee's original description; Chain is the full cause chain.
type RemoteError struct {
	Agent   pb.AgentID
	Message string
	Chain   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.Agent, e.Message)
}

// Is matches any RemoteError from the same agent with the same message.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Agent == e.Agent && t.Message == e.Message
}

// kindError keeps a sentinel's identity while carrying context from the far side.
type kindError struct {
	kind    error
	agent   pb.AgentID
	message string
}

func (e *kindError) Error() string {
	if e.agent.IsZero() {
		return fmt.Sprintf("%v: %s", e.kind, e.message)
	}
	return fmt.Sprintf("%v (%s): %s", e.kind, e.agent, e.message)
}

func (e *kindError) Unwrap() error {
	return e.kind
}

// New wraps a sentinel with the agent it concerns and a description.
func New(kind error, agent pb.AgentID, format string, args ...any) error {
	return &kindError{kind: kind, agent: agent, message: fmt.Sprintf(format, args...)}
}

// KindOf returns the wire code for err. Unknown errors are remote errors.
func KindOf(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return KindRemote
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindRemote
}

// ToDetail encodes err for the wire. A RemoteError or a known sentinel keeps
// its kind and originating agent so callers up a chain see the first failure.
// Any other error becomes a RemoteError raised by self.
func ToDetail(err error, self pb.AgentID) *pb.ErrorDetail {
	var remote *RemoteError
	if errors.As(err, &remote) {
		chain := err.Error()
		if remote.Chain != "" && remote.Chain != remote.Message {
			chain += " (caused by: " + remote.Chain + ")"
		}
		return &pb.ErrorDetail{
			Kind:    KindRemote,
			Message: remote.Message,
			Agent:   remote.Agent,
			Chain:   chain,
		}
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return &pb.ErrorDetail{
			Kind:    KindOf(ke.kind),
			Message: ke.message,
			Agent:   ke.agent,
			Chain:   err.Error(),
		}
	}

	return &pb.ErrorDetail{Kind: KindOf(err), Message: err.Error(), Agent: self, Chain: err.Error()}
}

// Detail builds an ErrorDetail for a failure synthesized by the routing layer.
func Detail(kind error, agent pb.AgentID, message string) *pb.ErrorDetail {
	return &pb.ErrorDetail{Kind: KindOf(kind), Message: message, Agent: agent, Chain: message}
}

// FromDetail decodes a wire ErrorDetail into an error that satisfies
// errors.Is for sentinel kinds and errors.As for *RemoteError.
func FromDetail(d *pb.ErrorDetail) error {
	if d == nil {
		return &RemoteError{Message: "error envelope without detail"}
	}
	if sentinel, ok := sentinels[d.Kind]; ok {
		return &kindError{kind: sentinel, agent: d.Agent, message: d.Message}
	}
	return &RemoteError{Agent: d.Agent, Message: d.Message, Chain: d.Chain}
}
