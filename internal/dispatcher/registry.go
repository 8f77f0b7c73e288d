package dispatcher

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/entry"
)

// Registry maps identifiers to their live aggregation contexts. Lookups are
// safe from any goroutine; only the coordinator inserts and removes.
type Registry struct {
	m *xsync.MapOf[string, *entry.Context]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMapOf[string, *entry.Context]()}
}

// Insert registers c. It returns false when a context for the same id exists.
func (r *Registry) Insert(c *entry.Context) bool {
	_, loaded := r.m.LoadOrStore(c.ID(), c)
	return !loaded
}

// Get returns the context for id.
func (r *Registry) Get(id string) (*entry.Context, bool) {
	return r.m.Load(id)
}

// Remove drops id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) bool {
	_, loaded := r.m.LoadAndDelete(id)
	return loaded
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	return r.m.Size()
}

// IDs returns the live identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, r.m.Size())
	r.m.Range(func(id string, _ *entry.Context) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}
