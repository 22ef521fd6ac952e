// Package registry hands out station identifiers. An identifier, once
// acquired, stays held for the lifetime of the registry.
package registry

import (
	"sort"
	"sync"
)

// IdentifierRegistry allocates the smallest positive integer not already
// held. It is safe for concurrent use.
type IdentifierRegistry struct {
	mu       sync.Mutex
	assigned map[uint32]struct{}
	// next is a lower bound for the smallest free identifier. Identifiers
	// are never released, so it only moves forward.
	next uint32
}

// NewIdentifierRegistry returns an empty registry.
func NewIdentifierRegistry() *IdentifierRegistry {
	return &IdentifierRegistry{
		assigned: make(map[uint32]struct{}),
		next:     1,
	}
}

// Acquire marks the smallest unheld positive identifier as held and returns
// it. It never blocks on anything but the registry lock and never fails.
func (r *IdentifierRegistry) Acquire() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	for {
		if _, held := r.assigned[id]; !held {
			break
		}
		id++
	}
	r.assigned[id] = struct{}{}
	r.next = id + 1
	return id
}

// Contains reports whether id is held.
func (r *IdentifierRegistry) Contains(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.assigned[id]
	return ok
}

// Len returns the number of held identifiers.
func (r *IdentifierRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assigned)
}

// Assigned returns the held identifiers in ascending order.
func (r *IdentifierRegistry) Assigned() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint32, 0, len(r.assigned))
	for id := range r.assigned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
