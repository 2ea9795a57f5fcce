package gateway

import (
	"container/list"
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

// CachedClient wraps a Client with an LRU cache over Embed calls.
//
// Compaction re-embeds records that survived earlier cycles unchanged,
// so exact-match caching saves most of the embedding spend after the
// first cycle. Judge, Merge, and Refine are prompt-unique and pass
// through uncached.
//
// Thread-safe: all methods can be called from multiple goroutines.
type CachedClient struct {
	Client

	mu      sync.Mutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       string
	embedding []float32
}

// NewCachedClient wraps base with an embedding cache of maxSize
// entries (0 = 10000 default).
func NewCachedClient(base Client, maxSize int) *CachedClient {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &CachedClient{
		Client:  base,
		cache:   make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// hashText creates a cache key using FNV-1a, fast and good enough for
// cache keying.
func hashText(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 36)
}

// Embed returns a cached vector or delegates to the base client.
func (c *CachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		vec := elem.Value.(*cacheEntry).embedding
		c.mu.Unlock()
		atomic.AddUint64(&c.hits, 1)
		return vec, nil
	}
	c.mu.Unlock()
	atomic.AddUint64(&c.misses, 1)

	vec, err := c.Client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; !ok {
		c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, embedding: vec})
		if c.lru.Len() > c.maxSize {
			oldest := c.lru.Back()
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
	return vec, nil
}

// CacheStats reports cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// CacheStats returns current cache statistics.
func (c *CachedClient) CacheStats() CacheStats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return CacheStats{
		Hits:   atomic.LoadUint64(&c.hits),
		Misses: atomic.LoadUint64(&c.misses),
		Size:   size,
	}
}
