package gateway

import "sync"

// Registry maps each user to the set of their live connections. A user with
// no connections has no entry.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]Conn),
		conns: make(map[string]Conn),
	}
}

// Add registers c and reports whether it is the user's first live connection.
func (r *Registry) Add(c Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[c.UserID()]
	if !ok {
		set = make(map[string]Conn)
		r.users[c.UserID()] = set
	}
	first = len(set) == 0
	set[c.ID()] = c
	r.conns[c.ID()] = c
	return first
}

// Remove unregisters c and reports whether the user has no connections left.
// Removing an unknown connection reports false.
func (r *Registry) Remove(c Conn) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[c.UserID()]
	if !ok {
		return false
	}
	if _, ok := set[c.ID()]; !ok {
		return false
	}
	delete(set, c.ID())
	delete(r.conns, c.ID())
	if len(set) == 0 {
		delete(r.users, c.UserID())
		return true
	}
	return false
}

// UserConns returns a snapshot of the user's connections.
func (r *Registry) UserConns(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionCount returns the number of the user's live connections.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Len returns the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
