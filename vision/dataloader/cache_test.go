package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tsawler/go-retouch/tensor"
)

func sample(v float32) Sample {
	return Sample{
		Image:  tensor.MustNew([]int{1}, []float32{v}),
		Target: tensor.MustNew([]int{1}, []float32{-v}),
	}
}

func TestNewSampleCache(t *testing.T) {
	if _, err := NewSampleCache(0); err == nil {
		t.Error("expected error for zero-sized cache")
	}
	sc, err := NewSampleCache(4)
	if err != nil {
		t.Fatalf("NewSampleCache: %v", err)
	}
	stats := sc.Stats()
	if stats.Size != 0 || stats.MaxSize != 4 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("unexpected initial stats: %+v", stats)
	}
}

func TestSampleCacheGetPut(t *testing.T) {
	sc, err := NewSampleCache(5)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := sc.Get("missing"); ok {
		t.Error("Get should miss on an empty cache")
	}

	sc.Put("a", sample(1))
	got, ok := sc.Get("a")
	if !ok {
		t.Fatal("Get should hit after Put")
	}
	if got.Image.Data[0] != 1 || got.Target.Data[0] != -1 {
		t.Errorf("got entry %v/%v", got.Image.Data, got.Target.Data)
	}

	stats := sc.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.HitRate != 50 {
		t.Errorf("expected hit rate 50, got %.1f", stats.HitRate)
	}
}

func TestSampleCacheEviction(t *testing.T) {
	sc, err := NewSampleCache(3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		sc.Put(fmt.Sprintf("k%d", i), sample(float32(i)))
	}
	// Touch k0 so k1 becomes the least recently used.
	if _, ok := sc.Get("k0"); !ok {
		t.Fatal("k0 should be cached")
	}
	sc.Put("k3", sample(3))

	if sc.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", sc.Len())
	}
	if _, ok := sc.Get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := sc.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	if ev := sc.Stats().Evictions; ev != 1 {
		t.Errorf("expected 1 eviction, got %d", ev)
	}
}

func TestSampleCacheConcurrentAccess(t *testing.T) {
	sc, err := NewSampleCache(16)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (w+i)%32)
				if _, ok := sc.Get(key); !ok {
					sc.Put(key, sample(float32(i)))
				}
				_ = sc.Stats()
			}
		}(w)
	}
	wg.Wait()

	stats := sc.Stats()
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
	if stats.Size > 16 {
		t.Errorf("cache grew past its bound: %d", stats.Size)
	}
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 2, MaxSize: 4, Hits: 3, Misses: 1, Evictions: 0, HitRate: 75}
	want := "Cache: 2/4 items, Hits: 3, Misses: 1, Evictions: 0, Hit Rate: 75.0%"
	if got := s.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := r.GetOrCreate("landscape", 4)
	if err != nil {
		t.Fatal(err)
	}
	again, err := r.GetOrCreate("landscape", 100)
	if err != nil {
		t.Fatal(err)
	}
	if a != again {
		t.Error("GetOrCreate should return the existing cache")
	}
	if again.Stats().MaxSize != 4 {
		t.Errorf("existing cache size changed to %d", again.Stats().MaxSize)
	}
	if _, err := r.GetOrCreate("portrait", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetOrCreate("broken", -1); err == nil {
		t.Error("expected error for negative size")
	}

	a.Put("x", sample(1))
	a.Get("x")
	stats := r.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 caches, got %v", stats)
	}
	if st := stats["landscape"]; st.Size != 1 || st.Hits != 1 {
		t.Errorf("landscape stats %+v", st)
	}
	if _, ok := stats["broken"]; ok {
		t.Error("failed GetOrCreate registered a cache")
	}
}
