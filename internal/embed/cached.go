package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultVectorCacheSize bounds the in-memory vector cache.
// At 512 dimensions * 4 bytes * 2048 entries it stays around 4MB.
const DefaultVectorCacheSize = 2048

// vectorCache remembers averaged backbone vectors keyed by content hash.
// It sits above pass-averaging: a hit returns the final mean vector, so
// repeat queries for the same bytes skip all backend round trips without
// collapsing the multi-pass behavior for fresh content.
type vectorCache struct {
	cache  *lru.Cache[string, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

func newVectorCache(size int) *vectorCache {
	if size <= 0 {
		size = DefaultVectorCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &vectorCache{cache: cache}
}

// imageKey keys raw (pre-decode) image bytes. Preprocessing is
// deterministic, so identical bytes always produce the same base vector.
func imageKey(model string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte("img\x00" + model + "\x00"))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// textKey keys normalized text.
func textKey(model string, text string) string {
	h := sha256.Sum256([]byte("txt\x00" + model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	v, ok := c.cache.Get(key)
	if ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *vectorCache) add(key string, v []float32) {
	c.cache.Add(key, v)
}

// CacheStats reports hit/miss counters for the stats surface.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (c *vectorCache) stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.cache.Len(),
	}
}
