package dataloader

import "sync"

// Registry hands out named sample caches so that datasets built over the same
// files can share one. A Registry belongs to a single run.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*SampleCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*SampleCache)}
}

// GetOrCreate returns the cache registered under name, creating it with
// maxSize entries on first use. maxSize is ignored for existing caches.
func (r *Registry) GetOrCreate(name string, maxSize int) (*SampleCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[name]; ok {
		return c, nil
	}
	c, err := NewSampleCache(maxSize)
	if err != nil {
		return nil, err
	}
	r.caches[name] = c
	return c, nil
}

// Stats returns the statistics of every registered cache keyed by name.
func (r *Registry) Stats() map[string]CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CacheStats, len(r.caches))
	for name, c := range r.caches {
		out[name] = c.Stats()
	}
	return out
}
