// internal/cache/store.go
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"depot/internal/errors"
	"depot/internal/manifest"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrChunkNotFound = errors.NotFound("chunk not cached")

// ChunkMeta stores metadata about one cached chunk.
type ChunkMeta struct {
	ID         manifest.ChunkID `json:"id"`
	Size       uint64           `json:"size"`
	Sha        manifest.ShaHash `json:"sha,omitempty"`
	Compressed bool             `json:"compressed"`
	CreatedAt  time.Time        `json:"created_at"`
	AccessedAt time.Time        `json:"accessed_at"`
}

// Store is the persistent local chunk cache: chunk bytes on disk (zstd
// compressed when worthwhile), metadata in badger, and an LRU of hot
// chunks in memory. Chunks survive across runs, so an interrupted install
// resumes without re-downloading what already arrived.
type Store struct {
	root  string
	db    *badger.DB
	cache *lru.Cache[manifest.ChunkID, []byte]
	comp  *compressionManager
}

// Options configures Store behavior.
type Options struct {
	Root        string // Root directory for chunk files
	CacheSize   int    // Number of chunks to keep in memory
	Compression CompressionOptions
}

// New creates a chunk cache over the given badger database.
func New(db *badger.DB, opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize == 0 {
		opts.CacheSize = 256
	}
	hot, err := lru.New[manifest.ChunkID, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	comp, err := newCompressionManager(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compression manager: %w", err)
	}

	return &Store{
		root:  opts.Root,
		db:    db,
		cache: hot,
		comp:  comp,
	}, nil
}

// Put ingests one chunk. The bytes are verified against info before
// anything is written; corrupt data is rejected, never cached.
func (s *Store) Put(info manifest.ChunkInfo, data []byte) error {
	if err := info.VerifyData(data); err != nil {
		return err
	}

	exists, err := s.Exists(info.ID)
	if err != nil {
		return fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return nil
	}

	stored, compressed := s.comp.compress(data)

	contentPath := s.contentPath(info.ID)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return fmt.Errorf("creating content directory: %w", err)
	}
	if err := os.WriteFile(contentPath, stored, 0644); err != nil {
		return fmt.Errorf("writing chunk file: %w", err)
	}

	meta := ChunkMeta{
		ID:         info.ID,
		Size:       info.ByteSize,
		Sha:        info.Sha,
		Compressed: compressed,
		CreatedAt:  time.Now(),
		AccessedAt: time.Now(),
	}
	if err := s.storeMeta(meta); err != nil {
		// Cleanup on failure
		os.Remove(contentPath)
		return fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(info.ID, data)
	return nil
}

// Get retrieves a cached chunk's bytes, verifying them against the
// recorded hash on the way out.
func (s *Store) Get(id manifest.ChunkID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}

	meta, err := s.getMeta(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("reading chunk file: %w", err)
	}

	if meta.Compressed {
		data, err = s.comp.decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompressing chunk: %w", err)
		}
	}

	info := manifest.ChunkInfo{ID: id, ByteSize: meta.Size, Sha: meta.Sha}
	if err := info.VerifyData(data); err != nil {
		return nil, err
	}

	s.cache.Add(id, data)
	meta.AccessedAt = time.Now()
	if err := s.storeMeta(meta); err != nil {
		return nil, fmt.Errorf("updating metadata: %w", err)
	}
	return data, nil
}

// Info returns the catalog entry reconstructed from cached metadata.
func (s *Store) Info(id manifest.ChunkID) (manifest.ChunkInfo, bool) {
	meta, err := s.getMeta(id)
	if err != nil {
		return manifest.ChunkInfo{}, false
	}
	return manifest.ChunkInfo{ID: id, ByteSize: meta.Size, Sha: meta.Sha}, true
}

// Exists checks whether a chunk is cached.
func (s *Store) Exists(id manifest.ChunkID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	_, err := s.getMeta(id)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a cached chunk and its metadata.
func (s *Store) Delete(id manifest.ChunkID) error {
	if err := os.Remove(s.contentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk file: %w", err)
	}
	if err := s.deleteMeta(id); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	s.cache.Remove(id)
	return nil
}

// Stats summarizes cache contents.
type Stats struct {
	Chunks int
	Bytes  uint64
}

func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("chunk:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta ChunkMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}
			stats.Chunks++
			stats.Bytes += meta.Size
		}
		return nil
	})
	return stats, err
}

// Prune deletes chunks not accessed within the given age and returns how
// many were removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []manifest.ChunkID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("chunk:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta ChunkMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}
			if meta.AccessedAt.Before(cutoff) {
				stale = append(stale, meta.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := s.Delete(id); err != nil {
			return 0, fmt.Errorf("pruning chunk %s: %w", id, err)
		}
	}
	return len(stale), nil
}

// Close releases compression resources. The badger database belongs to the
// caller.
func (s *Store) Close() {
	s.comp.close()
}

// Internal helper functions

func (s *Store) contentPath(id manifest.ChunkID) string {
	hex := id.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

func (s *Store) metaKey(id manifest.ChunkID) []byte {
	return []byte(fmt.Sprintf("chunk:%s", id))
}

func (s *Store) storeMeta(meta ChunkMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.metaKey(meta.ID), data)
	})
}

func (s *Store) getMeta(id manifest.ChunkID) (ChunkMeta, error) {
	var meta ChunkMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.metaKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}

func (s *Store) deleteMeta(id manifest.ChunkID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.metaKey(id))
	})
}
