package search

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// rewriteCache memoizes LLM query rewrites. Agents repeat queries heavily
// (same question across sessions), so a small LRU removes most rewrite
// latency and cost.
type rewriteCache struct {
	cache *lru.Cache[string, string]
}

func newRewriteCache(size int) *rewriteCache {
	if size <= 0 {
		size = 1000
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only fails on size <= 0, which is handled above
		panic(err)
	}
	return &rewriteCache{cache: c}
}

func (rc *rewriteCache) get(query string) (string, bool) {
	return rc.cache.Get(query)
}

func (rc *rewriteCache) put(query, rewritten string) {
	rc.cache.Add(query, rewritten)
}
