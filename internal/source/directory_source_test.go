package source

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"depot/internal/install"
	"depot/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stagingFixture stages n chunk files in a temp dir and returns a manifest
// set cataloging them, the source under test, and the chunk ids in staging
// order.
func stagingFixture(t *testing.T, n int, window uint64) (*DirectorySource, []manifest.ChunkID) {
	t.Helper()
	dir := t.TempDir()

	chunks := make(map[manifest.ChunkID]manifest.ChunkInfo, n)
	ids := make([]manifest.ChunkID, 0, n)
	for i := 0; i < n; i++ {
		data := []byte(fmt.Sprintf("staged chunk %d payload", i))
		id := testID(byte(i + 1))
		chunks[id] = manifest.ChunkInfo{ID: id, ByteSize: uint64(len(data)), Sha: manifest.HashData(data)}
		ids = append(ids, id)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()+chunkFileExt), data, 0644))
	}

	target := &manifest.ContentManifest{BuildID: "b", Chunks: chunks, Files: map[string]manifest.FileManifest{}}
	set, err := install.NewManifestSet([]install.Action{
		{Kind: install.KindInstall, Target: target},
	}, install.Options{})
	require.NoError(t, err)

	src, err := NewDirectorySource(set, dir, window, nil)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	// Deterministic sequence slots: register one id at a time.
	for _, id := range ids {
		missing := src.AddRuntimeRequirements(map[manifest.ChunkID]struct{}{id: {}})
		require.Empty(t, missing)
	}
	return src, ids
}

func TestDirectorySource(t *testing.T) {
	t.Run("Serves staged chunks and is single pass", func(t *testing.T) {
		src, ids := stagingFixture(t, 2, 0)

		assert.True(t, src.AddRepeatRequirement(ids[0]))

		data, ok := src.Get(ids[0])
		require.True(t, ok)
		assert.NoError(t, data.Info.VerifyData(data.Bytes))

		// Consumed: the staged file is gone and cannot be served again.
		assert.False(t, src.AddRepeatRequirement(ids[0]))
		_, ok = src.Get(ids[0])
		assert.False(t, ok)
	})

	t.Run("Watcher picks up late arrivals", func(t *testing.T) {
		src, _ := stagingFixture(t, 1, 0)

		data := []byte("late chunk payload")
		late := testID(0x40)
		src.AddRuntimeRequirements(map[manifest.ChunkID]struct{}{late: {}})

		require.NoError(t, os.WriteFile(filepath.Join(src.dir, late.String()+chunkFileExt), data, 0644))

		assert.Eventually(t, func() bool {
			return src.AddRepeatRequirement(late)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Scheduling cutoff", func(t *testing.T) {
		// First registered id gets sequence slot 0; with a window of 5 its
		// cutoff is 5.
		src, ids := stagingFixture(t, 7, 5)
		first := ids[0]
		require.Equal(t, uint64(5), src.ChunkUnavailableAt(first))

		// Advance the consumption sequence to position 4.
		for _, id := range ids[1:5] {
			_, ok := src.Get(id)
			require.True(t, ok)
		}

		// Issued strictly before the cutoff: guaranteed to succeed.
		rec := &completionRecorder{}
		dst := make([]byte, 256)
		job := src.CreateRequest(first, dst, nil, rec.fn)
		job.Run(false)

		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.False(t, calls[0].readFailed)
	})

	t.Run("Request past the cutoff deterministically fails", func(t *testing.T) {
		src, ids := stagingFixture(t, 8, 5)
		first := ids[0]

		var lost map[manifest.ChunkID]struct{}
		src.SetUnavailableCallback(func(dropped map[manifest.ChunkID]struct{}) { lost = dropped })

		// Consume past the cutoff; the staged file is reclaimed and the
		// loss is reported.
		for _, id := range ids[1:7] {
			_, ok := src.Get(id)
			require.True(t, ok)
		}
		assert.Contains(t, lost, first)
		assert.False(t, src.AddRepeatRequirement(first))

		rec := &completionRecorder{}
		job := src.CreateRequest(first, make([]byte, 256), nil, rec.fn)
		job.Run(false)

		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].readFailed)

		// Newly registered requirements past their window report as
		// unservable immediately.
		missing := src.AddRuntimeRequirements(map[manifest.ChunkID]struct{}{first: {}})
		assert.Contains(t, missing, first)
	})

	t.Run("Corrupt staged file is reclaimed, not served", func(t *testing.T) {
		src, ids := stagingFixture(t, 2, 0)

		// Overwrite the staged bytes so they no longer match the catalog.
		path := filepath.Join(src.dir, ids[0].String()+chunkFileExt)
		require.NoError(t, os.WriteFile(path, []byte("corrupted payload!!!!"), 0644))

		_, ok := src.Get(ids[0])
		assert.False(t, ok)
		assert.False(t, src.AddRepeatRequirement(ids[0]))
		assert.NoFileExists(t, path)
	})
}
