package jobimport

import (
	"strings"
	"sync"
)

type UnitQueueFactory func(dsn string, opts QueueOptions) (UnitQueue, error)
type StoreFactory func(dsn string) (Store, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	queueFactories map[string]UnitQueueFactory
	storeFactories map[string]StoreFactory
}{
	queueFactories: map[string]UnitQueueFactory{},
	storeFactories: map[string]StoreFactory{},
}

func RegisterUnitQueueFactory(scheme string, factory UnitQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func lookupUnitQueueFactory(scheme string) (UnitQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
