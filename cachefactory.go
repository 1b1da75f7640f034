package annostore

import "sync"

// CacheFactory creates a cache client for a locking mode.
type CacheFactory func(config Config) (Cache, error)

var (
	cacheRegistryMu sync.RWMutex
	cacheRegistry   = make(map[LockingMode]CacheFactory)
)

// RegisterCache registers a cache factory for a locking mode. Cache
// implementations call it from their init function.
func RegisterCache(m LockingMode, f CacheFactory) {
	cacheRegistryMu.Lock()
	defer cacheRegistryMu.Unlock()
	cacheRegistry[m] = f
}

// NewCacheClient creates a cache client for the configured locking mode using
// the registered factory. It returns nil and no error if none is registered.
func NewCacheClient(config Config) (Cache, error) {
	mode := config.Locking.Mode
	if mode == "" {
		mode = Standalone
	}
	cacheRegistryMu.RLock()
	f, ok := cacheRegistry[mode]
	cacheRegistryMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return f(config)
}
