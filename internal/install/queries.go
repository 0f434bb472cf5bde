// internal/install/queries.go
package install

import (
	"fmt"
	"sort"

	"depot/internal/manifest"
)

// ChunkInfo returns the aggregated catalog entry for id, reflecting the
// current-before-target priority established at construction.
func (s *ManifestSet) ChunkInfo(id manifest.ChunkID) (manifest.ChunkInfo, bool) {
	e, ok := s.chunks[id]
	if !ok {
		return manifest.ChunkInfo{}, false
	}
	return e.info, true
}

// DownloadSize sums the byte sizes of the given chunk ids, counting each
// distinct id once. Unknown ids contribute zero.
func (s *ManifestSet) DownloadSize(ids ...manifest.ChunkID) uint64 {
	seen := make(map[manifest.ChunkID]struct{}, len(ids))
	var total uint64
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := s.chunks[id]; ok {
			total += e.info.ByteSize
		}
	}
	return total
}

// ChunkShaHash returns the recorded hash for id. An all-zero recorded hash
// means "no hash available" and reports not found.
func (s *ManifestSet) ChunkShaHash(id manifest.ChunkID) (manifest.ShaHash, bool) {
	e, ok := s.chunks[id]
	if !ok || e.info.Sha.IsZero() {
		return manifest.ShaHash{}, false
	}
	return e.info.Sha, true
}

// DataFilename composes the transport location of id's data file, derived
// from the manifest that owns the aggregated entry.
func (s *ManifestSet) DataFilename(id manifest.ChunkID) (string, bool) {
	e, ok := s.chunks[id]
	if !ok {
		return "", false
	}
	return e.owner.ChunkDataFilename(id), true
}

// InstallResumeIDs returns the stable identity tokens of every non-uninstall
// action's target build, used to validate that a partially completed run
// still matches before resuming it. includeLegacy additionally emits the
// older app-name+version form of each token.
func (s *ManifestSet) InstallResumeIDs(includeLegacy bool) map[string]struct{} {
	ids := make(map[string]struct{})
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind == KindUninstall || a.Target == nil {
			continue
		}
		ids[a.Target.BuildID] = struct{}{}
		if includeLegacy {
			ids[a.Target.AppName+a.Target.VersionString] = struct{}{}
		}
	}
	return ids
}

// ReferencedChunks returns the union of chunk ids required to produce every
// resolved new file.
func (s *ManifestSet) ReferencedChunks() map[manifest.ChunkID]struct{} {
	ids := make(map[manifest.ChunkID]struct{})
	for _, ref := range s.newFiles {
		for _, part := range ref.fm.Parts {
			ids[part.ID] = struct{}{}
		}
	}
	return ids
}

// OutdatedFiles reports, across every non-uninstall action, the resolved
// files whose on-disk state under installRoot differs from the target.
// Content comparison is delegated to each target manifest, scoped to the
// action's install subdirectory.
func (s *ManifestSet) OutdatedFiles(installRoot string) ([]string, error) {
	var outdated []string
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind == KindUninstall || a.Target == nil {
			continue
		}
		paths, err := a.Target.OutdatedFiles(installRoot, a.InstallSubdir, s.effective[i])
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, a.Kind, err)
		}
		outdated = append(outdated, paths...)
	}
	sort.Strings(outdated)
	return outdated, nil
}

// RemovableFiles returns every path tracked by any manifest of any action
// that is not present in the resolved new-file lookup: stale files from a
// previous build that must be deleted.
func (s *ManifestSet) RemovableFiles() []string {
	var removable []string
	for p := range s.allPaths {
		if _, keep := s.newFiles[p]; !keep {
			removable = append(removable, p)
		}
	}
	sort.Strings(removable)
	return removable
}

// CurrentFileManifest resolves a full install path against the current
// (deployed) file lookup.
func (s *ManifestSet) CurrentFileManifest(path string) (manifest.FileManifest, bool) {
	ref, ok := s.currentFiles[path]
	if !ok {
		return manifest.FileManifest{}, false
	}
	return ref.fm, true
}

// NewFileManifest resolves a full install path against the target file
// lookup.
func (s *ManifestSet) NewFileManifest(path string) (manifest.FileManifest, bool) {
	ref, ok := s.newFiles[path]
	if !ok {
		return manifest.FileManifest{}, false
	}
	return ref.fm, true
}

// TotalNewFileSize sums target sizes for the given full install paths.
// Unknown paths contribute zero.
func (s *ManifestSet) TotalNewFileSize(paths []string) uint64 {
	var total uint64
	for _, p := range paths {
		if ref, ok := s.newFiles[p]; ok {
			total += ref.fm.TotalSize
		}
	}
	return total
}

// PrereqInfo returns one descriptor per non-uninstall action whose target
// manifest declares a prerequisite, in action order. Descriptors are not
// deduplicated here: deciding that a prerequisite was already satisfied
// (via IDSet) belongs to whoever launches them.
func (s *ManifestSet) PrereqInfo() []PrereqInfo {
	var infos []PrereqInfo
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind == KindUninstall || a.Target == nil || a.Target.Prereq == nil {
			continue
		}
		p := a.Target.Prereq
		infos = append(infos, PrereqInfo{
			IDSet:         append([]string(nil), p.IDSet...),
			AppName:       a.Target.AppName,
			Args:          append([]string(nil), p.Args...),
			Name:          p.Name,
			Path:          p.Path,
			VersionString: a.Target.VersionString,
			IsRepair:      a.Kind == KindRepair,
		})
	}
	return infos
}

// ContainsUpdate reports whether any update action moves between distinct
// build ids.
func (s *ManifestSet) ContainsUpdate() bool {
	return s.containsUpdate
}

// IsRepairOnly reports whether every action is a repair (and at least one
// exists).
func (s *ManifestSet) IsRepairOnly() bool {
	return s.repairOnly
}

// HasFileAttributes reports whether any target manifest carries non-default
// file attributes, signaling the file constructor must apply permissions
// after writing.
func (s *ManifestSet) HasFileAttributes() bool {
	return s.hasAttrs
}

// FilesTaggedForRepair returns the resolved paths that originate from a
// repair action, sorted.
func (s *ManifestSet) FilesTaggedForRepair() []string {
	paths := make([]string, 0, len(s.repairPaths))
	for p := range s.repairPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IsFileRepairAction reports whether the resolved file at path originates
// from a repair action.
func (s *ManifestSet) IsFileRepairAction(path string) bool {
	_, ok := s.repairPaths[path]
	return ok
}

// EachCurrentFile visits every resolved current file. Iteration order is
// unspecified.
func (s *ManifestSet) EachCurrentFile(fn func(path string, fm manifest.FileManifest)) {
	for p, ref := range s.currentFiles {
		fn(p, ref.fm)
	}
}

// NewFilePaths returns every resolved target path, sorted.
func (s *ManifestSet) NewFilePaths() []string {
	paths := make([]string, 0, len(s.newFiles))
	for p := range s.newFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
