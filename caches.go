package dasbus

import "sync"

// cache is a concurrent memo of computed values, including the
// errors that computing them produced.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

// Get returns the cached entry for k, and whether it was present.
func (c *cache[K, V]) Get(k K) (ent cacheEntry[V], found bool) {
	v, ok := c.m.Load(k)
	if !ok {
		return ent, false
	}
	return v.(cacheEntry[V]), true
}

func (c *cache[K, V]) Set(k K, val V) {
	c.m.Store(k, cacheEntry[V]{val: val})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
