// internal/cache/source.go
package cache

import (
	"fmt"
	"sync"

	"depot/internal/manifest"
	"depot/internal/source"
)

// CacheSource plugs the persistent chunk cache into the install pipeline as
// both a synchronous and an asynchronous chunk source. Cached chunks are
// random access with no availability window.
type CacheSource struct {
	store *Store

	mu          sync.Mutex
	unavailable func(ids map[manifest.ChunkID]struct{})
}

var (
	_ source.ChunkSource      = (*CacheSource)(nil)
	_ source.AsyncChunkSource = (*CacheSource)(nil)
)

func NewCacheSource(store *Store) *CacheSource {
	return &CacheSource{store: store}
}

func (c *CacheSource) Get(id manifest.ChunkID) (source.ChunkData, bool) {
	data, err := c.store.Get(id)
	if err != nil {
		return source.ChunkData{}, false
	}
	info, ok := c.store.Info(id)
	if !ok {
		info = manifest.ChunkInfo{ID: id, ByteSize: uint64(len(data))}
	}
	return source.ChunkData{Info: info, Bytes: data}, true
}

// AddRuntimeRequirements returns the ids not present in the cache; those
// must be routed to a fallback source (typically the download transport).
func (c *CacheSource) AddRuntimeRequirements(ids map[manifest.ChunkID]struct{}) map[manifest.ChunkID]struct{} {
	missing := make(map[manifest.ChunkID]struct{})
	for id := range ids {
		ok, err := c.store.Exists(id)
		if err != nil || !ok {
			missing[id] = struct{}{}
		}
	}
	return missing
}

// AddRepeatRequirement always succeeds for cached chunks: nothing is
// discarded on read.
func (c *CacheSource) AddRepeatRequirement(id manifest.ChunkID) bool {
	ok, err := c.store.Exists(id)
	return err == nil && ok
}

func (c *CacheSource) SetUnavailableCallback(fn func(ids map[manifest.ChunkID]struct{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = fn
}

func (c *CacheSource) CreateRequest(id manifest.ChunkID, dst []byte, token any, onComplete source.CompletionFunc) *source.ChunkJob {
	return source.NewChunkJob(id, token, onComplete, func() error {
		data, err := c.store.Get(id)
		if err != nil {
			c.reportLost(id)
			return err
		}
		if len(dst) < len(data) {
			return fmt.Errorf("chunk %s: destination holds %d bytes, need %d", id, len(dst), len(data))
		}
		copy(dst, data)
		return nil
	})
}

func (c *CacheSource) ChunkUnavailableAt(id manifest.ChunkID) uint64 {
	return source.AvailableForever
}

// reportLost fires the unavailable callback for a chunk the cache promised
// but can no longer produce, e.g. a file deleted or corrupted between the
// existence check and the read.
func (c *CacheSource) reportLost(id manifest.ChunkID) {
	c.mu.Lock()
	fn := c.unavailable
	c.mu.Unlock()
	if fn != nil {
		fn(map[manifest.ChunkID]struct{}{id: {}})
	}
}
