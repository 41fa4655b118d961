package relay

import "sync"

// Registry is the concurrency-safe bookkeeping of live connections. It is
// the only mutable shared state of the relay; all access goes through its
// operations so the locking discipline lives in one place.
//
// The registry is constructed by the composition root and passed by
// reference to the router, the bridge and the dispatcher.
type Registry struct {
	mu sync.RWMutex
	// devices indexes authenticated device connections by device id,
	// one session per device id.
	devices map[string]*Conn
	// observers indexes observer connections by account id.
	observers map[string]map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:   make(map[string]*Conn),
		observers: make(map[string]map[*Conn]struct{}),
	}
}

// Register adds an authenticated connection under its role-appropriate
// index. A device connection overwrites any prior connection registered
// under the same device id; the superseded transport is not closed here,
// its own liveness timeout takes care of it.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c.Role() {
	case RoleDevice:
		r.devices[c.DeviceID()] = c
	case RoleObserver:
		accountID := c.AccountID()
		set, ok := r.observers[accountID]
		if !ok {
			set = make(map[*Conn]struct{})
			r.observers[accountID] = set
		}
		set[c] = struct{}{}
	}
}

// Unregister removes the connection from whichever index it is stored in.
// Idempotent, and a no-op for connections that were never registered. A
// device entry is only removed if it still points to this very connection,
// a superseding session must not be dropped by the stale one going away.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c.Role() {
	case RoleDevice:
		if current, ok := r.devices[c.DeviceID()]; ok && current == c {
			delete(r.devices, c.DeviceID())
		}
	case RoleObserver:
		if set, ok := r.observers[c.AccountID()]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.observers, c.AccountID())
			}
		}
	}
}

// FindDevice returns the registered connection for a device id.
func (r *Registry) FindDevice(deviceID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.devices[deviceID]
	return c, ok
}

// ListDeviceIDs returns a snapshot of all currently reachable device ids.
func (r *Registry) ListDeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

// ForEachObserver calls fn for every observer connection, scoped to one
// account id when accountID is non-empty. The iteration works on a
// snapshot, fn runs without the registry lock held and may unregister
// connections.
func (r *Registry) ForEachObserver(accountID string, fn func(*Conn)) {
	r.mu.RLock()
	var snapshot []*Conn
	if len(accountID) > 0 {
		for c := range r.observers[accountID] {
			snapshot = append(snapshot, c)
		}
	} else {
		for _, set := range r.observers {
			for c := range set {
				snapshot = append(snapshot, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}
