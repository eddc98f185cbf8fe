// Package memcache is a small typed in-process cache, used to avoid
// re-resolving provider-side identifiers like DNS zone ids on every call.
package memcache

import (
	"sync"
)

type MemCache[V any] struct {
	data map[string]V
	lock sync.RWMutex
}

func New[V any]() *MemCache[V] {
	return &MemCache[V]{
		data: make(map[string]V),
	}
}

func (c *MemCache[V]) Set(key string, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.data[key] = value
}

func (c *MemCache[V]) Get(key string) (V, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	value, found := c.data[key]
	return value, found
}

func (c *MemCache[V]) Del(key string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.data, key)
}

func (c *MemCache[V]) Keys() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	return keys
}
