package locations

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// namespace scopes location IDs so the same name always yields the same ID.
var namespace = uuid.MustParse("8f0c3f7e-3c55-4b7e-9a51-1f3d6c1b9e42")

// Location is a named place readings can be attached to.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry is a concurrency-safe in-memory set of locations.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Location
}

// NewRegistry creates a registry pre-populated with names. Blank names are ignored.
func NewRegistry(names ...string) *Registry {
	r := &Registry{byName: make(map[string]Location)}
	for _, n := range names {
		r.Add(n)
	}
	return r
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add registers name and returns its location. Adding a known name is a no-op.
func (r *Registry) Add(name string) Location {
	k := key(name)
	if k == "" {
		return Location{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if loc, ok := r.byName[k]; ok {
		return loc
	}
	loc := Location{
		ID:   uuid.NewSHA1(namespace, []byte(k)).String(),
		Name: strings.TrimSpace(name),
	}
	r.byName[k] = loc
	return loc
}

// GetLocation looks a location up by name, case-insensitively.
func (r *Registry) GetLocation(name string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loc, ok := r.byName[key(name)]
	return loc, ok
}

// All returns every registered location ordered by name.
func (r *Registry) All() []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Location, 0, len(r.byName))
	for _, loc := range r.byName {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
