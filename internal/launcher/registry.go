package launcher

import (
	"fmt"
	"sort"
	"sync"
)

// Launcher names accepted by the service configuration.
const (
	NameExec      = "exec"
	NameInProcess = "inprocess"
)

// Registry holds the launchers available to the service, by name.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
}

// NewRegistry creates an empty launcher registry.
func NewRegistry() *Registry {
	return &Registry{
		launchers: make(map[string]Launcher),
	}
}

// Register adds a launcher under the given name.
func (r *Registry) Register(name string, l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launchers[name] = l
}

// Resolve returns the launcher registered under name.
func (r *Registry) Resolve(name string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.launchers[name]
	if !ok {
		return nil, fmt.Errorf("launcher %q is not registered", name)
	}
	return l, nil
}

// Names returns the registered launcher names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.launchers))
	for name := range r.launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
