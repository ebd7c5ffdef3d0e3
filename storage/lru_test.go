package storage

import "testing"

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, []byte("a"))
	c.put(2, []byte("b"))
	c.put(3, []byte("c")) // evicts 1

	if _, ok := c.get(1); ok {
		t.Error("expected page 1 to be evicted")
	}
	if _, ok := c.get(2); !ok {
		t.Error("expected page 2 to remain cached")
	}
}

func TestLRUCachePinPreventsEviction(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, []byte("a"))
	c.pin(1)
	c.put(2, []byte("b"))
	c.put(3, []byte("c")) // would evict 1, but it's pinned

	if _, ok := c.get(1); !ok {
		t.Error("expected pinned page 1 to survive eviction pressure")
	}
}

func TestLRUCacheHitRate(t *testing.T) {
	c := newLRUCache(4)
	c.put(1, []byte("a"))
	c.get(1)
	c.get(2)
	if rate := c.hitRate(); rate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", rate)
	}
}
