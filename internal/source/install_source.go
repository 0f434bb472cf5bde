// internal/source/install_source.go
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"depot/internal/errors"
	"depot/internal/install"
	"depot/internal/manifest"

	"go.uber.org/zap"
)

// chunkLocation is one place a whole chunk can be read back from: a byte
// offset inside a deployed file.
type chunkLocation struct {
	path   string
	offset int64
}

// InstallSource serves chunks by reading them back out of the files of the
// current installation. Most bytes of a new build are identical to the old
// one, so reusing them avoids re-transfer entirely. Random access: chunks
// can be served repeatedly and in any order.
type InstallSource struct {
	set    *install.ManifestSet
	root   string
	logger *zap.Logger

	mu          sync.Mutex
	locations   map[manifest.ChunkID]chunkLocation
	indexed     bool
	unavailable func(ids map[manifest.ChunkID]struct{})
}

var (
	_ ChunkSource      = (*InstallSource)(nil)
	_ AsyncChunkSource = (*InstallSource)(nil)
)

func NewInstallSource(set *install.ManifestSet, root string, logger *zap.Logger) *InstallSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstallSource{
		set:       set,
		root:      root,
		logger:    logger,
		locations: make(map[manifest.ChunkID]chunkLocation),
	}
}

// buildIndex walks every current file's recipe once, recording a readable
// location for each chunk that appears as a whole-chunk part. Sub-range
// parts are skipped: a partial chunk cannot be recovered on its own.
func (s *InstallSource) buildIndex() {
	if s.indexed {
		return
	}
	s.indexed = true

	s.set.EachCurrentFile(func(path string, fm manifest.FileManifest) {
		full := filepath.Join(s.root, filepath.FromSlash(path))
		var offset int64
		for _, part := range fm.Parts {
			info, known := s.set.ChunkInfo(part.ID)
			if known && part.IsWholeChunk(info) {
				if _, have := s.locations[part.ID]; !have {
					s.locations[part.ID] = chunkLocation{path: full, offset: offset}
				}
			}
			offset += int64(part.Size)
		}
	})
}

func (s *InstallSource) readAt(loc chunkLocation, dst []byte) error {
	f, err := os.Open(loc.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", loc.path, err)
	}
	defer f.Close()

	if _, err := f.ReadAt(dst, loc.offset); err != nil {
		return fmt.Errorf("reading %s at %d: %w", loc.path, loc.offset, err)
	}
	return nil
}

// readChunk recovers the chunk's bytes and verifies them against the
// recorded hash. A deployed file that no longer matches its manifest makes
// the chunk permanently unobtainable from this source; that is reported
// through the unavailable callback, never served silently.
func (s *InstallSource) readChunk(id manifest.ChunkID, dst []byte) error {
	s.mu.Lock()
	s.buildIndex()
	loc, ok := s.locations[id]
	info, known := s.set.ChunkInfo(id)
	s.mu.Unlock()

	if !ok || !known {
		return errors.NotFound(fmt.Sprintf("chunk %s not recoverable from install", id))
	}
	if uint64(len(dst)) < info.ByteSize {
		return fmt.Errorf("chunk %s: destination holds %d bytes, need %d", id, len(dst), info.ByteSize)
	}

	dst = dst[:info.ByteSize]
	if err := s.readAt(loc, dst); err != nil {
		s.markUnavailable(id)
		return err
	}
	if err := info.VerifyData(dst); err != nil {
		s.logger.Warn("deployed chunk failed integrity check",
			zap.String("chunk", id.String()),
			zap.String("file", loc.path))
		s.markUnavailable(id)
		return err
	}
	return nil
}

func (s *InstallSource) markUnavailable(id manifest.ChunkID) {
	s.mu.Lock()
	delete(s.locations, id)
	fn := s.unavailable
	s.mu.Unlock()

	if fn != nil {
		fn(map[manifest.ChunkID]struct{}{id: {}})
	}
}

// Get returns the chunk's bytes, or false if no deployed file covers it in
// whole or the recovered bytes fail verification.
func (s *InstallSource) Get(id manifest.ChunkID) (ChunkData, bool) {
	info, known := s.set.ChunkInfo(id)
	if !known {
		return ChunkData{}, false
	}
	buf := make([]byte, info.ByteSize)
	if err := s.readChunk(id, buf); err != nil {
		return ChunkData{}, false
	}
	return ChunkData{Info: info, Bytes: buf}, true
}

// AddRuntimeRequirements returns the subset of ids no deployed file can
// provide.
func (s *InstallSource) AddRuntimeRequirements(ids map[manifest.ChunkID]struct{}) map[manifest.ChunkID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildIndex()

	missing := make(map[manifest.ChunkID]struct{})
	for id := range ids {
		if _, ok := s.locations[id]; !ok {
			missing[id] = struct{}{}
		}
	}
	return missing
}

// AddRepeatRequirement always succeeds for chunks this source can locate:
// deployed files are random access, not single pass.
func (s *InstallSource) AddRepeatRequirement(id manifest.ChunkID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildIndex()
	_, ok := s.locations[id]
	return ok
}

func (s *InstallSource) SetUnavailableCallback(fn func(ids map[manifest.ChunkID]struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = fn
}

// CreateRequest builds a deferred read of the chunk into dst. Submission
// does no I/O.
func (s *InstallSource) CreateRequest(id manifest.ChunkID, dst []byte, token any, onComplete CompletionFunc) *ChunkJob {
	return NewChunkJob(id, token, onComplete, func() error {
		return s.readChunk(id, dst)
	})
}

// ChunkUnavailableAt reports no window: deployed files stay readable for
// the whole run.
func (s *InstallSource) ChunkUnavailableAt(id manifest.ChunkID) uint64 {
	return AvailableForever
}
