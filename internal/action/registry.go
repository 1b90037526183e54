package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/flowcache/internal/model"
)

// Info describes a registered action for listings.
type Info struct {
	Name     string         `json:"name"`
	Priority model.Priority `json:"priority"`
}

// Registry holds the actions known to a process, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry holding the given actions.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

// Register adds an action under its own name, replacing any previous entry.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the sorted names of all registered actions.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns information about all registered actions, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.actions))
	for name, a := range r.actions {
		infos = append(infos, Info{Name: name, Priority: a.Priority()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Restrict returns a new registry holding only the named actions. It fails on
// the first name this registry does not know.
func (r *Registry) Restrict(names []string) (*Registry, error) {
	out := NewRegistry()
	for _, name := range names {
		a, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("action %q is not registered", name)
		}
		out.Register(a)
	}
	return out, nil
}
