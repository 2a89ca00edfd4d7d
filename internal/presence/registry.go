// Package presence tracks which users hold at least one open connection.
package presence

import (
	"sort"
	"sync"
)

// Registry maps a user to the set of its live connection ids. A user is
// online iff the set is non-empty. Connect and Disconnect report the
// transition so the caller can broadcast it exactly once.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// Connect adds connectionID to userID's set. It returns true only when this
// is the user's first connection (offline -> online). Re-adding a known
// connection is a no-op and returns false.
func (r *Registry) Connect(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		r.conns[userID] = set
	}
	if _, dup := set[connectionID]; dup {
		return false
	}
	set[connectionID] = struct{}{}
	return len(set) == 1
}

// Disconnect removes connectionID. It returns true only when the last
// connection of the user was removed (online -> offline). Unknown
// connections return false.
func (r *Registry) Disconnect(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, known := set[connectionID]; !known {
		return false
	}
	delete(set, connectionID)
	if len(set) > 0 {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// ConnectionCount returns how many connections userID currently holds.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// OnlineUserIDs returns the online users, sorted.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
