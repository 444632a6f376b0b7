package chainkv

import (
	lru "github.com/hashicorp/golang-lru"
)

// Cache is a fixed-capacity, insertion-order-evicting cache, the
// per-column cache backing ChainStore lookups (spec.md §4.1). It
// wraps hashicorp/golang-lru, the bounded-cache library the broader
// pack reaches for (see orbas1-Synnergy's use of the same family),
// generalized from the teacher's unbounded in-process maps.
type Cache struct {
	c *lru.Cache
}

// NewCache creates a cache with the given entry capacity.
func NewCache(capacity int) *Cache {
	c, err := lru.New(capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which is a
		// programmer error in the fixed capacities this node wires.
		panic(err)
	}
	return &Cache{c: c}
}

func (c *Cache) Get(key string) (interface{}, bool) { return c.c.Peek(key) }
func (c *Cache) Add(key string, value interface{})  { c.c.Add(key, value) }
func (c *Cache) Remove(key string)                  { c.c.Remove(key) }
func (c *Cache) Len() int                           { return c.c.Len() }
