package cache

import (
	"os"
	"strings"
	"testing"
	"time"

	"depot/internal/errors"
	"depot/internal/manifest"
	"depot/internal/source"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	dir, err := os.MkdirTemp("", "depot-cache-test")
	require.NoError(t, err)

	opts := badger.DefaultOptions(dir).WithInMemory(true)
	opts.Logger = nil // Disable logging for tests
	opts.Dir = ""
	opts.ValueDir = ""

	db, err := badger.Open(opts)
	require.NoError(t, err)

	store, err := New(db, Options{Root: dir, CacheSize: 8})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		db.Close()
		os.RemoveAll(dir)
	}
	return store, cleanup
}

func testID(b byte) manifest.ChunkID {
	var id manifest.ChunkID
	id[0] = b
	return id
}

func testChunk(b byte, data []byte) manifest.ChunkInfo {
	return manifest.ChunkInfo{ID: testID(b), ByteSize: uint64(len(data)), Sha: manifest.HashData(data)}
}

func TestStore(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	t.Run("PutGet", func(t *testing.T) {
		data := []byte("small chunk payload")
		info := testChunk(1, data)

		require.NoError(t, store.Put(info, data))

		got, err := store.Get(info.ID)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		back, ok := store.Info(info.ID)
		require.True(t, ok)
		assert.Equal(t, info, back)
	})

	t.Run("Compressible chunk round-trips", func(t *testing.T) {
		// Over the compression threshold and highly repetitive, so the
		// stored file is zstd compressed.
		data := []byte(strings.Repeat("chunk bytes ", 1000))
		info := testChunk(2, data)

		require.NoError(t, store.Put(info, data))

		meta, err := store.getMeta(info.ID)
		require.NoError(t, err)
		assert.True(t, meta.Compressed)

		got, err := store.Get(info.ID)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Corrupt data is rejected on ingest", func(t *testing.T) {
		data := []byte("good chunk payload")
		info := testChunk(3, data)
		info.Sha = manifest.HashData([]byte("something else"))

		err := store.Put(info, data)
		require.Error(t, err)
		assert.True(t, errors.IsIntegrityMismatch(err))

		exists, err := store.Exists(info.ID)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Get of unknown chunk", func(t *testing.T) {
		_, err := store.Get(testID(0x99))
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("Delete", func(t *testing.T) {
		data := []byte("to be deleted")
		info := testChunk(4, data)
		require.NoError(t, store.Put(info, data))

		require.NoError(t, store.Delete(info.ID))

		exists, err := store.Exists(info.ID)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats()
		require.NoError(t, err)
		assert.Greater(t, stats.Chunks, 0)
		assert.Greater(t, stats.Bytes, uint64(0))
	})

	t.Run("Prune removes only stale chunks", func(t *testing.T) {
		data := []byte("fresh chunk")
		info := testChunk(5, data)
		require.NoError(t, store.Put(info, data))

		removed, err := store.Prune(time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		removed, err = store.Prune(0)
		require.NoError(t, err)
		assert.Greater(t, removed, 0)

		exists, err := store.Exists(info.ID)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestCacheSource(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	data := []byte("cached chunk payload")
	info := testChunk(1, data)
	require.NoError(t, store.Put(info, data))

	src := NewCacheSource(store)

	t.Run("Get", func(t *testing.T) {
		got, ok := src.Get(info.ID)
		require.True(t, ok)
		assert.Equal(t, data, got.Bytes)
		assert.Equal(t, info, got.Info)

		_, ok = src.Get(testID(0x99))
		assert.False(t, ok)
	})

	t.Run("Requirements route misses to a fallback", func(t *testing.T) {
		missing := src.AddRuntimeRequirements(map[manifest.ChunkID]struct{}{
			info.ID:      {},
			testID(0x99): {},
		})
		assert.Equal(t, map[manifest.ChunkID]struct{}{testID(0x99): {}}, missing)
	})

	t.Run("Cached chunks repeat and have no window", func(t *testing.T) {
		assert.True(t, src.AddRepeatRequirement(info.ID))
		assert.False(t, src.AddRepeatRequirement(testID(0x99)))
		assert.Equal(t, source.AvailableForever, src.ChunkUnavailableAt(info.ID))
	})

	t.Run("Async request", func(t *testing.T) {
		var completed bool
		var failed bool
		dst := make([]byte, len(data))
		job := src.CreateRequest(info.ID, dst, nil, func(id manifest.ChunkID, aborted, readFailed bool, token any) {
			completed = true
			failed = readFailed
		})
		job.Run(false)

		assert.True(t, completed)
		assert.False(t, failed)
		assert.Equal(t, data, dst)
	})

	t.Run("Promised chunk lost mid-run is reported", func(t *testing.T) {
		lostData := []byte("will vanish")
		lostInfo := testChunk(6, lostData)
		require.NoError(t, store.Put(lostInfo, lostData))

		var lost map[manifest.ChunkID]struct{}
		src.SetUnavailableCallback(func(ids map[manifest.ChunkID]struct{}) { lost = ids })

		require.NoError(t, store.Delete(lostInfo.ID))

		var failed bool
		job := src.CreateRequest(lostInfo.ID, make([]byte, 64), nil, func(id manifest.ChunkID, aborted, readFailed bool, token any) {
			failed = readFailed
		})
		job.Run(false)

		assert.True(t, failed)
		assert.Contains(t, lost, lostInfo.ID)
	})
}
