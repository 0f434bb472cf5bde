// internal/install/manifestset.go
package install

import (
	"fmt"
	"path"

	"depot/internal/manifest"

	"go.uber.org/zap"
)

// ConflictPolicy decides what happens when two actions would produce the
// same final install path.
type ConflictPolicy int

const (
	// LastActionWins keeps the later action's file and strips the path from
	// the earlier action's effective tag set.
	LastActionWins ConflictPolicy = iota
	// FirstActionWins keeps the earlier action's file instead.
	FirstActionWins
	// ErrorOnConflict fails construction, naming the contested path.
	ErrorOnConflict
)

// Options configures ManifestSet construction.
type Options struct {
	ConflictPolicy ConflictPolicy
	Logger         *zap.Logger
}

type chunkEntry struct {
	info  manifest.ChunkInfo
	owner *manifest.ContentManifest
}

type fileRef struct {
	fm     manifest.FileManifest
	action int
}

// PrereqInfo is the prerequisite descriptor exposed per qualifying action.
// Skipping a prerequisite already satisfied by a prior run (via IDSet) is
// the launcher's job, not this layer's.
type PrereqInfo struct {
	IDSet         []string
	AppName       string
	Args          []string
	Name          string
	Path          string
	VersionString string
	IsRepair      bool
}

// ManifestSet aggregates an ordered list of actions into unified lookups.
// Built once on a single thread, then immutable: every query is a read of
// maps populated at construction, safe for any number of concurrent
// readers with no locking.
type ManifestSet struct {
	actions   []Action
	effective []map[string]struct{} // per action: manifest-relative tagged paths surviving conflicts

	chunks       map[manifest.ChunkID]chunkEntry
	currentFiles map[string]fileRef
	newFiles     map[string]fileRef
	allPaths     map[string]struct{}
	repairPaths  map[string]struct{}

	hasAttrs       bool
	containsUpdate bool
	repairOnly     bool
}

// NewManifestSet builds the aggregate lookups from an ordered action list.
// Manifests are held by shared reference and must not be mutated afterward.
func NewManifestSet(actions []Action, opts Options) (*ManifestSet, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for i := range actions {
		if err := actions[i].validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}

	s := &ManifestSet{
		actions:      append([]Action(nil), actions...),
		effective:    make([]map[string]struct{}, len(actions)),
		chunks:       make(map[manifest.ChunkID]chunkEntry),
		currentFiles: make(map[string]fileRef),
		newFiles:     make(map[string]fileRef),
		allPaths:     make(map[string]struct{}),
		repairPaths:  make(map[string]struct{}),
	}

	// Chunk lookup: first writer wins, current manifests visited before
	// target manifests. A chunk already deployed is preferred over the same
	// id described by the fresh download, which minimizes download size
	// without changing correctness.
	for i := range s.actions {
		for _, m := range s.actions[i].manifests() {
			for id, info := range m.Chunks {
				existing, ok := s.chunks[id]
				if !ok {
					s.chunks[id] = chunkEntry{info: info, owner: m}
					continue
				}
				if existing.info.ByteSize != info.ByteSize || existing.info.Sha != info.Sha {
					logger.Warn("manifests disagree on chunk record, keeping first seen",
						zap.String("chunk", id.String()),
						zap.Uint64("kept_size", existing.info.ByteSize),
						zap.Uint64("ignored_size", info.ByteSize))
				}
			}
		}
	}

	// Effective tag sets before conflict resolution.
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind == KindUninstall || a.Target == nil {
			continue
		}
		eff := make(map[string]struct{})
		if len(a.TaggedFiles) == 0 {
			for rel := range a.Target.Files {
				eff[rel] = struct{}{}
			}
		} else {
			for rel := range a.TaggedFiles {
				if _, ok := a.Target.Files[rel]; ok {
					eff[rel] = struct{}{}
				}
			}
		}
		s.effective[i] = eff
	}

	if err := s.resolveConflicts(opts.ConflictPolicy); err != nil {
		return nil, err
	}

	// File lookups from the surviving tag sets.
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind == KindUninstall {
			continue
		}
		if a.Current != nil {
			for rel, fm := range a.Current.Files {
				full := path.Join(a.InstallSubdir, rel)
				if _, ok := s.currentFiles[full]; !ok {
					s.currentFiles[full] = fileRef{fm: fm, action: i}
				}
			}
		}
		for rel := range s.effective[i] {
			full := path.Join(a.InstallSubdir, rel)
			s.newFiles[full] = fileRef{fm: a.Target.Files[rel], action: i}
			if a.Kind == KindRepair {
				s.repairPaths[full] = struct{}{}
			}
		}
	}

	// Every path any manifest tracks, for removable-file detection.
	for i := range s.actions {
		a := &s.actions[i]
		for _, m := range a.manifests() {
			for rel := range m.Files {
				s.allPaths[path.Join(a.InstallSubdir, rel)] = struct{}{}
			}
		}
	}

	s.repairOnly = len(s.actions) > 0
	for i := range s.actions {
		a := &s.actions[i]
		if a.Kind != KindRepair {
			s.repairOnly = false
		}
		if a.Kind == KindUpdate && a.Current.BuildID != a.Target.BuildID {
			s.containsUpdate = true
		}
		if a.Target != nil {
			for _, fm := range a.Target.Files {
				if !fm.Attributes.IsDefault() {
					s.hasAttrs = true
					break
				}
			}
		}
	}

	return s, nil
}

// resolveConflicts enforces the configured policy over final install paths.
// The winner keeps its claim; every other action claiming the same path has
// it stripped from its effective tag set, so iteration order elsewhere can
// never resurface the loser.
func (s *ManifestSet) resolveConflicts(policy ConflictPolicy) error {
	claimed := make(map[string]struct{})

	visit := func(i int) error {
		eff := s.effective[i]
		if eff == nil {
			return nil
		}
		subdir := s.actions[i].InstallSubdir
		for rel := range eff {
			full := path.Join(subdir, rel)
			if _, taken := claimed[full]; taken {
				if policy == ErrorOnConflict {
					return fmt.Errorf("conflicting actions for path %q", full)
				}
				delete(eff, rel)
				continue
			}
			claimed[full] = struct{}{}
		}
		return nil
	}

	switch policy {
	case LastActionWins:
		for i := len(s.actions) - 1; i >= 0; i-- {
			if err := visit(i); err != nil {
				return err
			}
		}
	case FirstActionWins, ErrorOnConflict:
		for i := range s.actions {
			if err := visit(i); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown conflict policy %d", int(policy))
	}
	return nil
}
