// Package source defines how chunk bytes are obtained during an install
// run. ChunkSource is the synchronous-query contract driven by the
// scheduling layer; AsyncChunkSource is the submit-now/complete-later
// contract driven by the multi-threaded file constructor. Implementations
// run their I/O on their own worker threads; nothing here blocks the
// calling thread.
package source

import (
	"math"

	"depot/internal/manifest"
)

// AvailableForever is the ChunkUnavailableAt result for sources with no
// availability window: the chunk can be requested at any point in the run.
const AvailableForever uint64 = math.MaxUint64

// ChunkData is one retrieved chunk with the catalog entry it satisfies.
type ChunkData struct {
	Info  manifest.ChunkInfo
	Bytes []byte
}

// ChunkSource is one place chunks can be obtained from: reusable bytes in
// the current installation, a download staging area, a local cache.
type ChunkSource interface {
	// Get returns the chunk's bytes, or false if this source categorically
	// does not have it. Absence is permanent for this source, not a
	// transient failure.
	Get(id manifest.ChunkID) (ChunkData, bool)

	// AddRuntimeRequirements registers additional chunks this source should
	// try to serve and returns the subset it cannot, so the caller can
	// route those to a fallback source. Callable incrementally as the
	// requirement set grows during a run.
	AddRuntimeRequirements(ids map[manifest.ChunkID]struct{}) map[manifest.ChunkID]struct{}

	// AddRepeatRequirement asks whether the source can still serve id
	// again. Single-pass sources discard bytes once consumed and answer
	// false when they have moved past it.
	AddRepeatRequirement(id manifest.ChunkID) bool

	// SetUnavailableCallback registers the function invoked when
	// previously promised chunks become permanently unobtainable.
	SetUnavailableCallback(fn func(ids map[manifest.ChunkID]struct{}))
}

// AsyncChunkSource serves the file-construction pipeline. Submission is
// cheap and non-blocking; the read happens when the returned job is run,
// typically on a worker thread distinct from the submitter.
type AsyncChunkSource interface {
	// CreateRequest builds a single-invocation deferred job that reads the
	// chunk into dst and reports completion exactly once through
	// onComplete. The destination buffer belongs to the caller for the
	// duration of the request; the source must not retain it after
	// completion.
	CreateRequest(id manifest.ChunkID, dst []byte, token any, onComplete CompletionFunc) *ChunkJob

	// ChunkUnavailableAt returns the position in the source's consumption
	// sequence after which id can no longer be served. Requests must be
	// issued strictly before the cutoff or they are guaranteed to fail.
	// Sources without a window return AvailableForever.
	ChunkUnavailableAt(id manifest.ChunkID) uint64
}
