// ABOUTME: JSON Message payload and the kind-keyed dispatch table (Mux).
// ABOUTME: Handlers are looked up by Message.Kind, never by reflection.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnhandledKind is returned by a Mux with no handler for a message kind.
var ErrUnhandledKind = errors.New("no handler for message kind")

// Message is the payload exchanged by the bundled agents.
type Message struct {
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content"`
}

// Encode marshals m to JSON.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a Message payload.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// Text encodes a kindless Message with the given content.
func Text(content string) ([]byte, error) {
	return Message{Content: content}.Encode()
}

// MessageHandler handles one decoded Message.
type MessageHandler func(ctx context.Context, mc *Context, msg Message) (Message, error)

// Mux is an Agent dispatching decoded Messages by Kind.
type Mux struct {
	handlers map[string]MessageHandler
	fallback MessageHandler
}

// NewMux returns an empty dispatch table.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]MessageHandler)}
}

// On registers h for kind. It panics if kind is already registered.
func (m *Mux) On(kind string, h MessageHandler) *Mux {
	if _, exists := m.handlers[kind]; exists {
		panic(fmt.Sprintf("agent: duplicate handler for message kind %q", kind))
	}
	m.handlers[kind] = h
	return m
}

// Default registers the handler for kinds with no explicit entry.
func (m *Mux) Default(h MessageHandler) *Mux {
	m.fallback = h
	return m
}

// Handle implements Agent.
func (m *Mux) Handle(ctx context.Context, mc *Context, payload []byte) ([]byte, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}

	h, ok := m.handlers[msg.Kind]
	if !ok {
		h = m.fallback
	}
	if h == nil {
		return nil, fmt.Errorf("%w %q", ErrUnhandledKind, msg.Kind)
	}

	reply, err := h(ctx, mc, msg)
	if err != nil {
		return nil, err
	}
	return reply.Encode()
}
