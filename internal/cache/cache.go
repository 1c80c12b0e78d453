package cache

import (
	"sync"
	"time"
)

type Result[V any] struct {
	At    time.Time
	Value V
}

// Cache is the interface used by the session gateway for probe results.
type Cache[V any] interface {
	Get(key string) (Result[V], bool)
	Set(key string, v V)
	Delete(key string)
	Snapshot() map[string]Result[V]
}

// MemCache is an in-memory implementation of Cache.
type MemCache[V any] struct {
	mu   sync.RWMutex
	data map[string]Result[V]
}

func NewMemCache[V any]() *MemCache[V] {
	return &MemCache[V]{
		data: make(map[string]Result[V]),
	}
}

func (c *MemCache[V]) Get(key string) (Result[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.data[key]
	return r, ok
}

func (c *MemCache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = Result[V]{At: time.Now(), Value: v}
}

func (c *MemCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func (c *MemCache[V]) Snapshot() map[string]Result[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Result[V], len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
