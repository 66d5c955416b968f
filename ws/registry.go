package ws

import (
	"sort"
	"sync"
)

// Registry is the process-wide table of live, authenticated connections.
// It keeps the owner→connections index and the per-connection owner binding
// mutually consistent: both are only ever mutated together under the write
// lock. Lock hold time is O(1) per operation; snapshots copy a single
// owner's set.
type Registry struct {
	mu     sync.RWMutex
	lastID uint64
	conns  map[uint64]*Client
	byUser map[string]map[uint64]*Client
}

// NewRegistry creates an empty registry. The registry is an explicit
// dependency handed to the connection handler and the dispatcher, so tests
// can run isolated instances.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[uint64]*Client),
		byUser: make(map[string]map[uint64]*Client),
	}
}

// Register binds the client to the owner and inserts it. A user may hold
// any number of simultaneous connections. Returns the assigned connection
// id, which is bookkeeping-only and never shown to other owners.
func (r *Registry) Register(c *Client, userID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	c.id = r.lastID
	c.userID = userID
	r.conns[c.id] = c
	set := r.byUser[userID]
	if set == nil {
		set = make(map[uint64]*Client)
		r.byUser[userID] = set
	}
	set[c.id] = c
	return c.id
}

// Deregister removes the connection and its index slot. Unknown ids are a
// no-op so a disconnect racing an explicit deregistration stays harmless.
// An owner whose set becomes empty is dropped from the index entirely.
func (r *Registry) Deregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	if set, ok := r.byUser[c.userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
		}
	}
}

// ConnectionsFor returns a snapshot of the owner's live connections, in
// registration order. The snapshot is safe to iterate while other
// connections register and deregister concurrently.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	set := r.byUser[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CountFor returns how many connections the owner currently holds.
func (r *Registry) CountFor(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}
