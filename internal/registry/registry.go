// Package registry is the process-wide index from user id to active connections. It is consulted by the router on
// every bus event and mutated by connection actors on authenticate/disconnect, so it is sharded to keep the common
// case — a router read racing many unrelated connection inserts/removes — cheap.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const shardCount = 32

// Handle is what a connection actor registers under its authenticated user id. The registry never calls Send, and
// calls Close only from CloseAll; everything else is the caller's responsibility.
type Handle interface {
	ID() uuid.UUID
	UserID() string
	// Send enqueues frame on the connection's outbound channel. It must never block; implementations drop on a full
	// channel rather than stall the caller (the router, typically).
	Send(frame []byte)
	// Close tears down the connection. Called by the registry only from CloseAll (reset signal and shutdown).
	Close()
}

type shard struct {
	mu     sync.RWMutex
	byUser map[string]map[uuid.UUID]Handle
	byConn map[uuid.UUID]string
}

// Registry is a concurrent multimap from user id to the set of that user's active connections, with a reverse index
// from connection id to user id so removal does not require knowing the user id up front.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			byUser: make(map[string]map[uuid.UUID]Handle),
			byConn: make(map[uuid.UUID]string),
		}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Add registers h under its UserID. Replacing an existing handle with the same connection id is a no-op beyond
// overwriting the entry; callers should Remove before re-Add if that matters to them.
func (r *Registry) Add(h Handle) {
	s := r.shardFor(h.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.byUser[h.UserID()]
	if !ok {
		conns = make(map[uuid.UUID]Handle)
		s.byUser[h.UserID()] = conns
	}
	conns[h.ID()] = h
	s.byConn[h.ID()] = h.UserID()
}

// Remove unregisters the connection identified by connID, if present. It is safe to call more than once.
func (r *Registry) Remove(connID uuid.UUID) {
	for _, s := range r.shards {
		s.mu.Lock()
		userID, ok := s.byConn[connID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		delete(s.byConn, connID)
		if conns, ok := s.byUser[userID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(s.byUser, userID)
			}
		}
		s.mu.Unlock()
		return
	}
}

// ConnectionsFor returns a snapshot of the handles currently registered for userID. The slice is safe to range over
// without holding any lock; it does not reflect concurrent Add/Remove calls made after it was taken.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.byUser[userID]
	out := make([]Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// All returns a snapshot of every registered handle, across all users.
func (r *Registry) All() []Handle {
	var out []Handle
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.byUser {
			for _, h := range conns {
				out = append(out, h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ConnectionCount returns the total number of registered connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byConn)
		s.mu.RUnlock()
	}
	return n
}

// UserCount returns the number of distinct users with at least one registered connection.
func (r *Registry) UserCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byUser)
		s.mu.RUnlock()
	}
	return n
}

// CloseAll closes every registered connection, for the control plane's `reset` signal. It does not remove entries
// itself; each connection actor's own teardown path is expected to call Remove when Close causes its read/write
// pumps to exit.
func (r *Registry) CloseAll() {
	for _, h := range r.All() {
		h.Close()
	}
}
