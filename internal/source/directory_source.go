// internal/source/directory_source.go
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"depot/internal/errors"
	"depot/internal/install"
	"depot/internal/manifest"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWindow is how many consumptions ahead a registered chunk stays
// servable before the staging area reclaims it.
const DefaultWindow = 64

const chunkFileExt = ".chunk"

// DirectorySource serves chunks from a download staging directory. The
// transport drops each chunk as <id>.chunk; a filesystem watcher plus an
// initial scan track arrivals. The source is single pass with a bounded
// retention window: each chunk file is deleted once consumed, and files
// left more than window consumptions behind the run are reclaimed to keep
// staging space bounded. ChunkUnavailableAt exposes that cutoff so the
// scheduler can issue every request in time instead of discovering a
// missed window as a late failure.
type DirectorySource struct {
	set    *install.ManifestSet
	dir    string
	window uint64
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu          sync.Mutex
	index       map[manifest.ChunkID]uint64 // registration order, drives the cutoff
	order       []manifest.ChunkID
	present     map[manifest.ChunkID]string
	claimed     map[manifest.ChunkID]struct{} // request issued in time, exempt from reclaim
	served      map[manifest.ChunkID]struct{}
	dropped     map[manifest.ChunkID]struct{}
	cursor      uint64
	unavailable func(ids map[manifest.ChunkID]struct{})
}

var (
	_ ChunkSource      = (*DirectorySource)(nil)
	_ AsyncChunkSource = (*DirectorySource)(nil)
)

func NewDirectorySource(set *install.ManifestSet, dir string, window uint64, logger *zap.Logger) (*DirectorySource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window == 0 {
		window = DefaultWindow
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating staging watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching staging directory %s: %w", dir, err)
	}

	s := &DirectorySource{
		set:     set,
		dir:     dir,
		window:  window,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
		index:   make(map[manifest.ChunkID]uint64),
		present: make(map[manifest.ChunkID]string),
		claimed: make(map[manifest.ChunkID]struct{}),
		served:  make(map[manifest.ChunkID]struct{}),
		dropped: make(map[manifest.ChunkID]struct{}),
	}

	// Pick up files staged before the watcher existed.
	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("scanning staging directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			s.noteArrival(filepath.Join(dir, e.Name()))
		}
	}

	go s.watchLoop()
	return s, nil
}

func (s *DirectorySource) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.noteArrival(event.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("staging watcher error", zap.Error(err))
		}
	}
}

func (s *DirectorySource) noteArrival(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, chunkFileExt) {
		return
	}
	id, err := manifest.ParseChunkID(strings.TrimSuffix(base, chunkFileExt))
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.dropped[id]; gone {
		return
	}
	if _, done := s.served[id]; done {
		return
	}
	s.present[id] = path
}

func (s *DirectorySource) Close() error {
	close(s.done)
	return s.watcher.Close()
}

// register assigns id its slot in the consumption sequence. Caller holds mu.
func (s *DirectorySource) register(id manifest.ChunkID) uint64 {
	if idx, ok := s.index[id]; ok {
		return idx
	}
	idx := uint64(len(s.order))
	s.index[id] = idx
	s.order = append(s.order, id)
	return idx
}

// cutoff is the consumption position after which id can no longer be
// served. Caller holds mu.
func (s *DirectorySource) cutoff(id manifest.ChunkID) (uint64, bool) {
	idx, ok := s.index[id]
	if !ok {
		return 0, false
	}
	return idx + s.window, true
}

// consume advances the sequence and reclaims staged files whose window has
// closed. Claimed ids (a request was issued before their cutoff) are kept
// until their job runs; everything else past the cutoff is deleted and
// reported through the unavailable callback. Caller holds mu; the callback
// fires outside the lock.
func (s *DirectorySource) consume() {
	s.cursor++

	var lost map[manifest.ChunkID]struct{}
	for id, idx := range s.index {
		if idx+s.window > s.cursor {
			continue
		}
		if _, done := s.served[id]; done {
			continue
		}
		if _, gone := s.dropped[id]; gone {
			continue
		}
		if _, keep := s.claimed[id]; keep {
			continue
		}
		s.dropped[id] = struct{}{}
		if path, ok := s.present[id]; ok {
			os.Remove(path)
			delete(s.present, id)
		}
		if lost == nil {
			lost = make(map[manifest.ChunkID]struct{})
		}
		lost[id] = struct{}{}
	}

	if lost == nil || s.unavailable == nil {
		return
	}
	fn := s.unavailable
	s.mu.Unlock()
	fn(lost)
	s.mu.Lock()
}

// take reads and removes the staged file for id, verifying the bytes
// against the aggregated catalog entry. Caller holds mu.
func (s *DirectorySource) take(id manifest.ChunkID) ([]byte, error) {
	if _, gone := s.dropped[id]; gone {
		return nil, errors.Unavailable(fmt.Sprintf("chunk %s: staging window closed", id))
	}
	if _, keep := s.claimed[id]; !keep {
		// Claimed ids were requested in time and stay servable until their
		// job runs; everything else is bound by the window.
		if cut, ok := s.cutoff(id); ok && s.cursor >= cut {
			s.dropped[id] = struct{}{}
			return nil, errors.Unavailable(fmt.Sprintf("chunk %s: staging window closed", id))
		}
	}
	path, ok := s.present[id]
	if !ok {
		return nil, errors.NotFound(fmt.Sprintf("chunk %s not staged", id))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading staged chunk %s: %w", id, err)
	}
	if info, known := s.set.ChunkInfo(id); known {
		if err := info.VerifyData(data); err != nil {
			// A corrupt staged file is unusable; reclaim it immediately.
			os.Remove(path)
			delete(s.present, id)
			s.dropped[id] = struct{}{}
			return nil, err
		}
	}

	os.Remove(path)
	delete(s.present, id)
	delete(s.claimed, id)
	s.served[id] = struct{}{}
	s.consume()
	return data, nil
}

func (s *DirectorySource) Get(id manifest.ChunkID) (ChunkData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.register(id)
	data, err := s.take(id)
	if err != nil {
		return ChunkData{}, false
	}
	info, known := s.set.ChunkInfo(id)
	if !known {
		info = manifest.ChunkInfo{ID: id, ByteSize: uint64(len(data))}
	}
	return ChunkData{Info: info, Bytes: data}, true
}

// AddRuntimeRequirements assigns sequence slots to new ids and returns the
// ones whose window has already closed; everything else is expected to
// arrive in staging eventually.
func (s *DirectorySource) AddRuntimeRequirements(ids map[manifest.ChunkID]struct{}) map[manifest.ChunkID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := make(map[manifest.ChunkID]struct{})
	for id := range ids {
		s.register(id)
		if _, gone := s.dropped[id]; gone {
			missing[id] = struct{}{}
		}
	}
	return missing
}

// AddRepeatRequirement answers whether id can still be served again. Once
// its staged file is consumed or reclaimed the answer is no: this source
// is single pass.
func (s *DirectorySource) AddRepeatRequirement(id manifest.ChunkID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.dropped[id]; gone {
		return false
	}
	if cut, ok := s.cutoff(id); ok && s.cursor >= cut {
		return false
	}
	_, staged := s.present[id]
	return staged
}

func (s *DirectorySource) SetUnavailableCallback(fn func(ids map[manifest.ChunkID]struct{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = fn
}

// CreateRequest checks the window at submission time. Issued strictly
// before the cutoff, the chunk is claimed and survives until the job runs;
// issued at or past it, the returned job deterministically reports
// readFailed.
func (s *DirectorySource) CreateRequest(id manifest.ChunkID, dst []byte, token any, onComplete CompletionFunc) *ChunkJob {
	s.mu.Lock()
	s.register(id)
	cut, _ := s.cutoff(id)
	_, gone := s.dropped[id]
	missed := gone || s.cursor >= cut
	if !missed {
		s.claimed[id] = struct{}{}
	}
	s.mu.Unlock()

	if missed {
		return NewChunkJob(id, token, onComplete, func() error {
			return errors.Unavailable(fmt.Sprintf("chunk %s: request issued past cutoff %d", id, cut))
		})
	}
	return NewChunkJob(id, token, onComplete, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		data, err := s.take(id)
		if err != nil {
			return err
		}
		if len(dst) < len(data) {
			return fmt.Errorf("chunk %s: destination holds %d bytes, need %d", id, len(dst), len(data))
		}
		copy(dst, data)
		return nil
	})
}

// ChunkUnavailableAt returns id's consumption-sequence cutoff. Ids never
// registered have no slot yet and report AvailableForever until
// AddRuntimeRequirements places them.
func (s *DirectorySource) ChunkUnavailableAt(id manifest.ChunkID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut, ok := s.cutoff(id)
	if !ok {
		return AvailableForever
	}
	return cut
}
