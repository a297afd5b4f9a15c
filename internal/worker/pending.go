// ABOUTME: Correlation table of sends awaiting a reply, keyed by request id.
// ABOUTME: Each waiter suspends on its own buffered channel.

package worker

import (
	"sync"

	pb "github.com/2389/relay-gateway/proto/relay"
)

type pendingCall struct {
	ch     chan *pb.Envelope
	remote bool
}

type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add registers a waiter for id. remote marks sends that went through the host.
func (p *pendingTable) add(id string, remote bool) <-chan *pb.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := &pendingCall{ch: make(chan *pb.Envelope, 1), remote: remote}
	p.calls[id] = call
	return call.ch
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// deliver hands env to its waiter. It reports false when nobody waits for it.
func (p *pendingTable) deliver(env *pb.Envelope) bool {
	p.mu.Lock()
	call, ok := p.calls[env.ID]
	if ok {
		delete(p.calls, env.ID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.ch <- env
	return true
}

// failAll completes every waiter matching match with the envelope built by fail.
func (p *pendingTable) failAll(match func(*pendingCall) bool, fail func(id string) *pb.Envelope) int {
	p.mu.Lock()
	var ids []string
	var calls []*pendingCall
	for id, call := range p.calls {
		if match(call) {
			ids = append(ids, id)
			calls = append(calls, call)
			delete(p.calls, id)
		}
	}
	p.mu.Unlock()

	for i, call := range calls {
		call.ch <- fail(ids[i])
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
