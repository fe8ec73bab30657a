package world

import "sync"

// DistanceCache caches shortest-path distances per (from, to) node
// pair. Implementations must be safe for concurrent use and must only
// store finite values.
type DistanceCache interface {
	Get(from, to string) (meters float64, ok bool)
	Put(from, to string, meters float64)
}

// MemoryCache is an in-process DistanceCache for a single run.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[[2]string]float64
}

// NewMemoryCache creates an empty in-memory distance cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[[2]string]float64)}
}

func (c *MemoryCache) Get(from, to string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meters, ok := c.m[[2]string{from, to}]
	return meters, ok
}

func (c *MemoryCache) Put(from, to string, meters float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[[2]string{from, to}] = meters
}

// Len returns the number of cached pairs.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
