package roomstate

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

// schemeRegistry maps a DSN scheme to a factory for backends that live
// outside this package.
type schemeRegistry struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}

var stateBackendFactories = &schemeRegistry{factories: map[string]StateBackendFactory{}}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN hand DSNs with
// the given scheme to factory. A later registration replaces an earlier one.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	stateBackendFactories.register(scheme, factory)
}

func (r *schemeRegistry) register(scheme string, factory StateBackendFactory) {
	key := normalizeBackendScheme(scheme)
	if key == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.factories[key] = factory
	r.mu.Unlock()
}

func (r *schemeRegistry) lookup(scheme string) (StateBackendFactory, bool) {
	r.mu.RLock()
	factory, ok := r.factories[normalizeBackendScheme(scheme)]
	r.mu.RUnlock()
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
