package payment

import (
	"fmt"
	"sort"
)

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry indexes the given adapters by their Name. Nil adapters are skipped
// so disabled providers can be passed through unconditionally.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered for the raw provider name.
func (r *Registry) Get(raw string) (Adapter, error) {
	p, ok := ParseProvider(raw)
	if !ok || r == nil {
		return nil, fmt.Errorf("%q: %w", raw, ErrUnknownProvider)
	}
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%q not enabled: %w", raw, ErrUnknownProvider)
	}
	return a, nil
}

// Names lists enabled providers in stable order.
func (r *Registry) Names() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
