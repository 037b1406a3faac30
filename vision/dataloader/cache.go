package dataloader

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/tsawler/go-retouch/tensor"
)

// Sample is one prepared training pair: both images already resized and
// normalized, plus the conditioning features.
type Sample struct {
	Image    *tensor.Tensor
	Target   *tensor.Tensor
	Features []*tensor.Tensor
}

// SampleCache keeps the most recently used prepared samples so that later
// epochs skip decoding and resizing.
type SampleCache struct {
	cache   *lru.Cache
	maxSize int

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
}

// NewSampleCache creates a cache holding at most maxSize entries.
func NewSampleCache(maxSize int) (*SampleCache, error) {
	sc := &SampleCache{maxSize: maxSize}
	c, err := lru.NewWithEvict(maxSize, func(interface{}, interface{}) {
		sc.mu.Lock()
		sc.evictions++
		sc.mu.Unlock()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating sample cache of size %d", maxSize)
	}
	sc.cache = c
	return sc, nil
}

// Get returns the sample stored under key.
func (sc *SampleCache) Get(key string) (Sample, bool) {
	v, ok := sc.cache.Get(key)
	sc.mu.Lock()
	if ok {
		sc.hits++
	} else {
		sc.misses++
	}
	sc.mu.Unlock()
	if !ok {
		return Sample{}, false
	}
	return v.(Sample), true
}

// Put stores s under key, evicting the least recently used entry when full.
func (sc *SampleCache) Put(key string, s Sample) {
	sc.cache.Add(key, s)
}

// Len returns the number of cached entries.
func (sc *SampleCache) Len() int {
	return sc.cache.Len()
}

// Stats returns a snapshot of the cache counters.
func (sc *SampleCache) Stats() CacheStats {
	// The eviction callback runs under the lru lock and takes sc.mu, so the
	// size is read before sc.mu is held.
	size := sc.cache.Len()

	sc.mu.Lock()
	defer sc.mu.Unlock()

	stats := CacheStats{
		Size:      size,
		MaxSize:   sc.maxSize,
		Hits:      sc.hits,
		Misses:    sc.misses,
		Evictions: sc.evictions,
	}
	if total := sc.hits + sc.misses; total > 0 {
		stats.HitRate = float64(sc.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
