// internal/manifest/verify.go
package manifest

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// OutdatedFiles reports which of the tagged files under root/subdir differ
// from this manifest's recipes and must be (re)constructed. A missing file
// is outdated. tagged is the set of manifest-relative paths to check; nil
// means every file in the catalog. Returned paths are install-relative
// (subdir joined), sorted.
func (m *ContentManifest) OutdatedFiles(root, subdir string, tagged map[string]struct{}) ([]string, error) {
	var outdated []string
	for rel, fm := range m.Files {
		if tagged != nil {
			if _, ok := tagged[rel]; !ok {
				continue
			}
		}
		full := filepath.Join(root, filepath.FromSlash(subdir), filepath.FromSlash(rel))
		ok, err := m.fileMatches(full, fm)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", rel, err)
		}
		if !ok {
			outdated = append(outdated, path.Join(subdir, rel))
		}
	}
	sort.Strings(outdated)
	return outdated, nil
}

// fileMatches compares on-disk bytes against the recipe: size first, then
// the recorded hash of every part that spans a whole chunk. Parts that
// reference a sub-range of a chunk have no per-range hash and are accepted
// on size alone.
func (m *ContentManifest) fileMatches(full string, fm FileManifest) (bool, error) {
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if fi.IsDir() || uint64(fi.Size()) != fm.TotalSize {
		return false, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 0)
	for _, part := range fm.Parts {
		info, known := m.Chunks[part.ID]
		verifiable := known && part.IsWholeChunk(info) && !info.Sha.IsZero()
		if !verifiable {
			if _, err := f.Seek(int64(part.Size), io.SeekCurrent); err != nil {
				return false, err
			}
			continue
		}
		if uint64(cap(buf)) < part.Size {
			buf = make([]byte, part.Size)
		}
		buf = buf[:part.Size]
		if _, err := io.ReadFull(f, buf); err != nil {
			return false, nil
		}
		if HashData(buf) != info.Sha {
			return false, nil
		}
	}
	return true, nil
}
