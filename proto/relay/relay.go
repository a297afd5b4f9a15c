// ABOUTME: Wire types exchanged between relay workers and the relay host.
// ABOUTME: AgentID addressing, the message Envelope, and the stream frames.

package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultKey is the instance key used when an AgentID omits one.
const DefaultKey = "default"

// AgentID addresses one logical agent instance.
// Type names the role (and the registered factory), Key disambiguates instances.
type AgentID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// NewAgentID returns an AgentID, filling in DefaultKey when key is empty.
func NewAgentID(agentType, key string) AgentID {
	if key == "" {
		key = DefaultKey
	}
	return AgentID{Type: agentType, Key: key}
}

// String renders the id as "type/key".
func (id AgentID) String() string {
	return id.Type + "/" + id.Key
}

// IsZero reports whether the id is unset.
func (id AgentID) IsZero() bool {
	return id.Type == "" && id.Key == ""
}

// Validate checks that the id can be routed.
func (id AgentID) Validate() error {
	if id.Type == "" {
		return errors.New("agent type is required")
	}
	if strings.Contains(id.Type, "/") {
		return fmt.Errorf("agent type %q must not contain '/'", id.Type)
	}
	return nil
}

// ParseAgentID parses "type/key" or "type" (key defaults to DefaultKey).
func ParseAgentID(s string) (AgentID, error) {
	agentType, key, _ := strings.Cut(s, "/")
	id := NewAgentID(agentType, key)
	if err := id.Validate(); err != nil {
		return AgentID{}, fmt.Errorf("parsing agent id %q: %w", s, err)
	}
	return id, nil
}

// Kind discriminates envelopes.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// ErrorDetail describes a failed request on the wire.
type ErrorDetail struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Agent   AgentID `json:"agent"`
	Chain   string  `json:"chain,omitempty"`
}

// Envelope is the request/response container routed between agents.
// A request with Cancellation set asks the callee to abandon request ID.
// DeadlineMs, when set on a request, is the unix time in milliseconds after
// which the caller stops waiting.
type Envelope struct {
	ID           string            `json:"id"`
	Sender       AgentID           `json:"sender"`
	Recipient    AgentID           `json:"recipient"`
	Kind         Kind              `json:"kind"`
	Payload      []byte            `json:"payload,omitempty"`
	Cancellation bool              `json:"cancellation,omitempty"`
	DeadlineMs   int64             `json:"deadline_ms,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Error        *ErrorDetail      `json:"error,omitempty"`
}

// Deadline returns the caller's deadline, if the request carries one.
func (e *Envelope) Deadline() (time.Time, bool) {
	if e.DeadlineMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.DeadlineMs), true
}

// IsCancel reports whether the envelope is a cancellation notice.
func (e *Envelope) IsCancel() bool {
	return e.Kind == KindRequest && e.Cancellation
}

// IsTerminal reports whether the envelope completes a request.
func (e *Envelope) IsTerminal() bool {
	return e.Kind == KindResponse || e.Kind == KindError
}

// Reply builds a response envelope addressed back to the request's sender.
func (e *Envelope) Reply(payload []byte) *Envelope {
	return &Envelope{
		ID:           e.ID,
		Sender:       e.Recipient,
		Recipient:    e.Sender,
		Kind:         KindResponse,
		Payload:      payload,
		TraceContext: e.TraceContext,
	}
}

// Fail builds an error envelope addressed back to the request's sender.
func (e *Envelope) Fail(detail *ErrorDetail) *Envelope {
	return &Envelope{
		ID:           e.ID,
		Sender:       e.Recipient,
		Recipient:    e.Sender,
		Kind:         KindError,
		TraceContext: e.TraceContext,
		Error:        detail,
	}
}

// CancelNotice builds the cancellation notice for this request.
func (e *Envelope) CancelNotice() *Envelope {
	return &Envelope{
		ID:           e.ID,
		Sender:       e.Sender,
		Recipient:    e.Recipient,
		Kind:         KindRequest,
		Cancellation: true,
	}
}

// Validate checks the fields every routed envelope needs.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	switch e.Kind {
	case KindRequest, KindResponse, KindError:
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	if e.Kind == KindRequest {
		if err := e.Recipient.Validate(); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
	}
	return nil
}

// Hello is the first frame a worker sends on a new stream.
type Hello struct {
	WorkerID string `json:"worker_id"`
}

// Register asks the host to route AgentType to the sending worker.
type Register struct {
	AgentType string `json:"agent_type"`
}

// Deregister withdraws a previous Register.
type Deregister struct {
	AgentType string `json:"agent_type"`
}

// Heartbeat keeps an otherwise idle stream alive.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// Welcome acknowledges Hello.
type Welcome struct {
	HostID   string `json:"host_id"`
	WorkerID string `json:"worker_id"`
}

// RegisterAck acknowledges Register. Replaced is set when another worker
// owned the type before this registration. A refused registration carries
// an error kind code and a description.
type RegisterAck struct {
	AgentType string `json:"agent_type"`
	Replaced  bool   `json:"replaced,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WorkerFrame is sent worker -> host. Exactly one field is set.
type WorkerFrame struct {
	Hello      *Hello      `json:"hello,omitempty"`
	Register   *Register   `json:"register,omitempty"`
	Deregister *Deregister `json:"deregister,omitempty"`
	Envelope   *Envelope   `json:"envelope,omitempty"`
	Heartbeat  *Heartbeat  `json:"heartbeat,omitempty"`
}

func (f *WorkerFrame) GetHello() *Hello {
	if f == nil {
		return nil
	}
	return f.Hello
}

func (f *WorkerFrame) GetRegister() *Register {
	if f == nil {
		return nil
	}
	return f.Register
}

func (f *WorkerFrame) GetDeregister() *Deregister {
	if f == nil {
		return nil
	}
	return f.Deregister
}

func (f *WorkerFrame) GetEnvelope() *Envelope {
	if f == nil {
		return nil
	}
	return f.Envelope
}

func (f *WorkerFrame) GetHeartbeat() *Heartbeat {
	if f == nil {
		return nil
	}
	return f.Heartbeat
}

// HostFrame is sent host -> worker. Exactly one field is set.
type HostFrame struct {
	Welcome     *Welcome     `json:"welcome,omitempty"`
	RegisterAck *RegisterAck `json:"register_ack,omitempty"`
	Envelope    *Envelope    `json:"envelope,omitempty"`
}

func (f *HostFrame) GetWelcome() *Welcome {
	if f == nil {
		return nil
	}
	return f.Welcome
}

func (f *HostFrame) GetRegisterAck() *RegisterAck {
	if f == nil {
		return nil
	}
	return f.RegisterAck
}

func (f *HostFrame) GetEnvelope() *Envelope {
	if f == nil {
		return nil
	}
	return f.Envelope
}
