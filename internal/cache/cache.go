// Package cache provides the caches used by the data layer: a bounded result
// cache keyed by version-qualified keys, and a byte cache for decompressed
// dataset chunks.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// ChunkConfig contains chunk cache configuration.
type ChunkConfig struct {
	SizeMB int
	TTL    time.Duration
}

// ChunkCache caches decompressed Zarr chunks keyed by array path and chunk key.
type ChunkCache struct {
	chunks *bigcache.BigCache
}

// NewChunkCache creates a new chunk cache.
func NewChunkCache(cfg ChunkConfig) (*ChunkCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SizeMB <= 0 {
		cfg.SizeMB = 256
	}

	chunkCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	chunks, err := bigcache.New(context.Background(), chunkCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	return &ChunkCache{chunks: chunks}, nil
}

// Get retrieves a chunk from cache.
func (c *ChunkCache) Get(key string) ([]byte, bool) {
	data, err := c.chunks.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores a chunk in cache. Chunks larger than a shard are silently skipped.
func (c *ChunkCache) Set(key string, data []byte) {
	_ = c.chunks.Set(key, data)
}

// ChunkKey generates a cache key for a chunk.
func ChunkKey(arrayPath, chunkKey string) string {
	return "chunk:" + arrayPath + "#" + chunkKey
}

// Reset drops all cached chunks.
func (c *ChunkCache) Reset() {
	_ = c.chunks.Reset()
}

// Stats returns cache statistics.
func (c *ChunkCache) Stats() map[string]interface{} {
	st := c.chunks.Stats()
	return map[string]interface{}{
		"chunk_cache_len":    c.chunks.Len(),
		"chunk_cache_cap":    c.chunks.Capacity(),
		"chunk_cache_hits":   st.Hits,
		"chunk_cache_misses": st.Misses,
	}
}

// Close closes the chunk cache.
func (c *ChunkCache) Close() error {
	return c.chunks.Close()
}
