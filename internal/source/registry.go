package source

import (
	"sort"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// Registry maps source IDs to adapters.
type Registry struct {
	adapters map[model.SourceID]Adapter
}

// NewRegistry builds a registry; later adapters replace earlier ones with the same ID.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.SourceID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id model.SourceID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs lists registered sources in a stable order.
func (r *Registry) IDs() []model.SourceID {
	ids := make([]model.SourceID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
