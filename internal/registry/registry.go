// Package registry tracks the set of live connections for the relay and hands
// out their display names.
//
// A Registry is safe for concurrent use. Every operation takes the same mutex
// for the duration of a map mutation or copy and nothing longer, so callers
// can iterate a Snapshot and perform network I/O without holding the lock.
package registry

import (
	"cmp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NamePrefix is prepended to the sequence number to build display names.
const NamePrefix = "User "

// Connection is one live client session as seen by the registry.
type Connection[H comparable] struct {
	Handle      H
	ID          uuid.UUID
	DisplayName string
	Seq         uint64
	ConnectedAt time.Time
}

// Registry holds the live connections keyed by their transport handle.
type Registry[H comparable] struct {
	mu      sync.Mutex
	conns   map[H]Connection[H]
	counter uint64
}

// New returns an empty Registry.
func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		conns: make(map[H]Connection[H]),
	}
}

// Register adds h to the live set under the next display name. If h is
// already live its existing Connection is returned and no name is consumed.
func (r *Registry[H]) Register(h H) Connection[H] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[h]; ok {
		return existing
	}

	r.counter++
	conn := Connection[H]{
		Handle:      h,
		ID:          uuid.New(),
		DisplayName: NamePrefix + strconv.FormatUint(r.counter, 10),
		Seq:         r.counter,
		ConnectedAt: time.Now(),
	}
	r.conns[h] = conn
	return conn
}

// Remove deletes h from the live set and returns the removed Connection.
// The boolean is false when h was not registered.
func (r *Registry[H]) Remove(h H) (Connection[H], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[h]
	if !ok {
		return Connection[H]{}, false
	}
	delete(r.conns, h)
	return conn, true
}

// Find looks up h without modifying the registry.
func (r *Registry[H]) Find(h H) (Connection[H], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[h]
	return conn, ok
}

// Snapshot returns a copy of the live set ordered by registration.
func (r *Registry[H]) Snapshot() []Connection[H] {
	r.mu.Lock()
	conns := make([]Connection[H], 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	sortBySeq(conns)
	return conns
}

// Drain empties the registry and returns everything that was live, ordered by
// registration. The name counter is left untouched.
func (r *Registry[H]) Drain() []Connection[H] {
	r.mu.Lock()
	conns := make([]Connection[H], 0, len(r.conns))
	for h, conn := range r.conns {
		conns = append(conns, conn)
		delete(r.conns, h)
	}
	r.mu.Unlock()

	sortBySeq(conns)
	return conns
}

// Len reports the number of live connections.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Issued reports how many display names have been handed out in total.
func (r *Registry[H]) Issued() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

func sortBySeq[H comparable](conns []Connection[H]) {
	slices.SortFunc(conns, func(a, b Connection[H]) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
