package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// ResultCache holds computed cost trees keyed by request fingerprint.
// Tests inject NullCache to exercise the engine without memoization.
type ResultCache interface {
	Get(key string) (*CostResult, bool)
	Put(key string, res *CostResult)
}

const defaultCacheSize = 100

type lruCache struct {
	inner *lru.Cache[string, *CostResult]
}

// NewResultCache returns a bounded LRU. Reads and writes deep-clone so a
// caller can never mutate a cached tree.
func NewResultCache(size int) ResultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	inner, err := lru.New[string, *CostResult](size)
	if err != nil {
		// lru.New only fails on size <= 0, which is handled above.
		panic(err)
	}
	return &lruCache{inner: inner}
}

func (c *lruCache) Get(key string) (*CostResult, bool) {
	res, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	return res.Clone(), true
}

func (c *lruCache) Put(key string, res *CostResult) {
	c.inner.Add(key, res.Clone())
}

// NullCache never stores anything.
type NullCache struct{}

func (NullCache) Get(string) (*CostResult, bool) { return nil, false }
func (NullCache) Put(string, *CostResult)        {}
