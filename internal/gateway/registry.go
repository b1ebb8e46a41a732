package gateway

import (
	"sort"
	"sync"
)

// Registry maps device IDs to their single live connection.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	locks   sync.Map // device ID -> *sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*client)}
}

// lock serialises registration and cleanup for one device so the registry
// entry and the persisted online flag change together. It returns the unlock
// func.
func (r *Registry) lock(deviceID string) func() {
	v, _ := r.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// swap installs c for its device and returns the connection it replaced.
func (r *Registry) swap(c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.deviceID]
	r.clients[c.deviceID] = c
	return prev
}

// remove deletes the entry for deviceID only if it still points at c.
func (r *Registry) remove(deviceID string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[deviceID]; ok && cur == c {
		delete(r.clients, deviceID)
		return true
	}
	return false
}

func (r *Registry) get(deviceID string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[deviceID]
}

func (r *Registry) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Has reports whether deviceID has a live connection.
func (r *Registry) Has(deviceID string) bool {
	return r.get(deviceID) != nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// DeviceIDs returns the connected device IDs, sorted.
func (r *Registry) DeviceIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
