// ABOUTME: Table of requests forwarded by the host and awaiting a reply.
// ABOUTME: Maps correlation id to origin and target connections.

package host

import (
	"errors"
	"sync"
	"time"

	pb "github.com/2389/relay-gateway/proto/relay"
)

// ErrDuplicateRequestID indicates the request ID is already in flight.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

type route struct {
	id        string
	origin    *Connection
	target    *Connection
	recipient pb.AgentID
	started   time.Time
	expires   time.Time
}

type inflightTable struct {
	mu     sync.RWMutex
	routes map[string]*route
}

func newInflightTable() *inflightTable {
	return &inflightTable{routes: make(map[string]*route)}
}

func (t *inflightTable) add(r *route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[r.id]; exists {
		return ErrDuplicateRequestID
	}
	t.routes[r.id] = r
	return nil
}

// take removes and returns the route for id if match accepts it.
func (t *inflightTable) take(id string, match func(*route) bool) (*route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[id]
	if !ok || (match != nil && !match(r)) {
		return nil, false
	}
	delete(t.routes, id)
	return r, true
}

// takeAll removes and returns every route match accepts.
func (t *inflightTable) takeAll(match func(*route) bool) []*route {
	t.mu.Lock()
	defer t.mu.Unlock()

	var taken []*route
	for id, r := range t.routes {
		if match(r) {
			delete(t.routes, id)
			taken = append(taken, r)
		}
	}
	return taken
}

func (t *inflightTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
