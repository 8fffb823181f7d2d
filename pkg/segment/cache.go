package segment

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"tarn/pkg/kv"
)

type cacheKey struct {
	segmentID uint64
	offset    uint64
}

// BlockCache holds decoded data blocks, shared across the segments of
// one keyspace. Blocks are immutable, so cached slices are handed out
// without copying.
type BlockCache struct {
	inner *lru.Cache[cacheKey, []*kv.Entry]
}

// NewBlockCache creates a cache bounded to the given number of
// blocks. Zero or negative capacity disables caching.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}
	inner, err := lru.New[cacheKey, []*kv.Entry](capacity)
	if err != nil {
		// lru.New only fails on non-positive capacity
		return &BlockCache{}
	}
	return &BlockCache{inner: inner}
}

func (c *BlockCache) get(segmentID, offset uint64) ([]*kv.Entry, bool) {
	if c == nil || c.inner == nil {
		return nil, false
	}
	return c.inner.Get(cacheKey{segmentID, offset})
}

func (c *BlockCache) put(segmentID, offset uint64, entries []*kv.Entry) {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Add(cacheKey{segmentID, offset}, entries)
}

// Len reports the number of cached blocks.
func (c *BlockCache) Len() int {
	if c == nil || c.inner == nil {
		return 0
	}
	return c.inner.Len()
}
