package source

import (
	"fmt"
	"sync"
	"testing"

	"depot/internal/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(b byte) manifest.ChunkID {
	var id manifest.ChunkID
	id[0] = b
	return id
}

type completion struct {
	id         manifest.ChunkID
	aborted    bool
	readFailed bool
	token      any
}

// completionRecorder collects onComplete invocations; callbacks may arrive
// from any goroutine.
type completionRecorder struct {
	mu    sync.Mutex
	calls []completion
}

func (r *completionRecorder) fn(id manifest.ChunkID, aborted, readFailed bool, token any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, completion{id, aborted, readFailed, token})
}

func (r *completionRecorder) snapshot() []completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion(nil), r.calls...)
}

func TestChunkJob(t *testing.T) {
	t.Run("Successful read completes once", func(t *testing.T) {
		rec := &completionRecorder{}
		reads := 0
		job := NewChunkJob(testID(1), "tok", rec.fn, func() error {
			reads++
			return nil
		})
		assert.Equal(t, JobCreated, job.State())

		job.Run(false)
		job.Run(false) // second invocation is a no-op
		job.Run(true)

		assert.Equal(t, 1, reads)
		assert.Equal(t, JobCompleted, job.State())

		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.Equal(t, completion{testID(1), false, false, "tok"}, calls[0])
	})

	t.Run("Failed read reports readFailed", func(t *testing.T) {
		rec := &completionRecorder{}
		job := NewChunkJob(testID(2), nil, rec.fn, func() error {
			return fmt.Errorf("backing store gone")
		})

		job.Run(false)

		assert.Equal(t, JobFailed, job.State())
		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.False(t, calls[0].aborted)
		assert.True(t, calls[0].readFailed)
	})

	t.Run("Abort skips the read", func(t *testing.T) {
		rec := &completionRecorder{}
		reads := 0
		job := NewChunkJob(testID(3), 42, rec.fn, func() error {
			reads++
			return nil
		})

		job.Run(true)
		job.Run(false) // cannot resurrect an aborted job

		assert.Equal(t, 0, reads)
		assert.Equal(t, JobAborted, job.State())

		calls := rec.snapshot()
		require.Len(t, calls, 1)
		assert.Equal(t, completion{testID(3), true, false, 42}, calls[0])
	})

	t.Run("Concurrent runs complete exactly once", func(t *testing.T) {
		rec := &completionRecorder{}
		job := NewChunkJob(testID(4), nil, rec.fn, func() error { return nil })

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job.Run(false)
			}()
		}
		wg.Wait()

		assert.Len(t, rec.snapshot(), 1)
	})
}
