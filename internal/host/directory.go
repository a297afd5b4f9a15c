// ABOUTME: Directory mapping agent types to the worker connection that serves them.
// ABOUTME: Last registration wins unless takeovers are rejected; neither case is fatal.

package host

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/relay-gateway/internal/fault"
)

// ErrTypeOwned is returned when takeovers are rejected and another worker
// already serves the agent type.
var ErrTypeOwned = fault.ErrTypeOwned

// Entry is one directory row.
type Entry struct {
	AgentType    string `json:"agent_type"`
	WorkerID     string `json:"worker_id"`
	ConnectionID string `json:"connection_id"`
}

// Directory coordinates which worker owns each agent type.
type Directory struct {
	owners map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewDirectory creates an empty Directory.
func NewDirectory(logger *slog.Logger) *Directory {
	return &Directory{
		owners: make(map[string]*Connection),
		logger: logger,
	}
}

// Register routes agentType to conn and returns the connection it displaced,
// or nil. Re-registering with the current owner displaces nothing.
func (d *Directory) Register(agentType string, conn *Connection) *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.owners[agentType]
	d.owners[agentType] = conn

	if previous == conn {
		return nil
	}
	if previous != nil {
		d.logger.Warn("agent type owner replaced",
			"agent_type", agentType,
			"previous_worker_id", previous.WorkerID,
			"worker_id", conn.WorkerID,
		)
		return previous
	}

	d.logger.Info("agent type registered",
		"agent_type", agentType,
		"worker_id", conn.WorkerID,
		"total_types", len(d.owners),
	)
	return nil
}

// Claim routes agentType to conn only if no other connection owns it. It
// returns the current owner and whether the claim succeeded.
func (d *Directory) Claim(agentType string, conn *Connection) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if owner, ok := d.owners[agentType]; ok && owner != conn {
		d.logger.Warn("agent type registration rejected",
			"agent_type", agentType,
			"owner_worker_id", owner.WorkerID,
			"worker_id", conn.WorkerID,
		)
		return owner, false
	}
	d.owners[agentType] = conn
	d.logger.Info("agent type registered",
		"agent_type", agentType,
		"worker_id", conn.WorkerID,
		"total_types", len(d.owners),
	)
	return conn, true
}

// Deregister removes agentType if conn still owns it.
func (d *Directory) Deregister(agentType string, conn *Connection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owners[agentType] != conn {
		return false
	}
	delete(d.owners, agentType)
	d.logger.Info("agent type deregistered", "agent_type", agentType, "worker_id", conn.WorkerID)
	return true
}

// Lookup returns the connection serving agentType.
func (d *Directory) Lookup(agentType string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	conn, ok := d.owners[agentType]
	return conn, ok
}

// RemoveConnection drops every entry conn still owns and returns their types.
// Entries another worker has since taken over are left alone.
func (d *Directory) RemoveConnection(conn *Connection) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	for agentType, owner := range d.owners {
		if owner == conn {
			delete(d.owners, agentType)
			removed = append(removed, agentType)
		}
	}
	sort.Strings(removed)
	return removed
}

// Entries returns a snapshot sorted by agent type.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Entry, 0, len(d.owners))
	for agentType, conn := range d.owners {
		entries = append(entries, Entry{
			AgentType:    agentType,
			WorkerID:     conn.WorkerID,
			ConnectionID: conn.ID,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentType < entries[j].AgentType })
	return entries
}

// Len returns the number of routed agent types.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.owners)
}

// Clear removes every entry.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners = make(map[string]*Connection)
}
