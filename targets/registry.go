// Package targets assigns client-side target ids to watched queries. The
// server identifies a subscribed query only by the id the client chose, so
// the registry keeps the query/id mapping for the life of the process and
// guarantees no two active queries share an id.
package targets

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// Registry maps canonical query strings to target ids. Ids are derived from
// a murmur3 hash of the query so the same query receives the same id across
// stream restarts; collisions fall back to linear probing. The registry is
// safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	ids     map[string]int32
	queries map[int32]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:     make(map[string]int32),
		queries: make(map[int32]string),
	}
}

// Assign returns the target id for the query, allocating one if the query
// has not been seen before.
func (r *Registry) Assign(query string) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[query]; ok {
		return id
	}

	// Target ids must be positive; mask the hash into the positive int32
	// range and probe upward until a free id is found.
	id := int32(murmur3.Sum32([]byte(query)) & 0x7fffffff)
	if id == 0 {
		id = 1
	}

	for {
		if _, taken := r.queries[id]; !taken {
			break
		}
		if id == 0x7fffffff {
			id = 1
		} else {
			id++
		}
	}

	r.ids[query] = id
	r.queries[id] = query
	return id
}

// Lookup returns the id assigned to the query, if any.
func (r *Registry) Lookup(query string) (id int32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok = r.ids[query]
	return id, ok
}

// Query returns the query a target id was assigned to, if any.
func (r *Registry) Query(id int32) (query string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	query, ok = r.queries[id]
	return query, ok
}

// Release frees a target id so a future query may reuse it.
func (r *Registry) Release(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if query, ok := r.queries[id]; ok {
		delete(r.ids, query)
		delete(r.queries, id)
	}
}

// Clear drops every assignment.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.ids {
		delete(r.ids, key)
	}
	for key := range r.queries {
		delete(r.queries, key)
	}
}

// Length returns the number of active assignments.
func (r *Registry) Length() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
