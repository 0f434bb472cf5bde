// internal/manifest/types.go
package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path"

	"depot/internal/errors"
)

// ChunkID is the 128-bit content identifier of a chunk. The same id always
// denotes byte-identical content across every manifest that references it;
// this layer trusts that precondition rather than verifying it on the hot
// path.
type ChunkID [16]byte

func ParseChunkID(s string) (ChunkID, error) {
	var id ChunkID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing chunk id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parsing chunk id %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ChunkID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ChunkID) IsZero() bool {
	return id == ChunkID{}
}

func (id ChunkID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ChunkID) UnmarshalText(text []byte) error {
	parsed, err := ParseChunkID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ShaHash is a 160-bit SHA-1 digest of a chunk's bytes. An all-zero hash
// means no hash was recorded for the chunk.
type ShaHash [20]byte

func HashData(data []byte) ShaHash {
	return sha1.Sum(data)
}

func (h ShaHash) IsZero() bool {
	return h == ShaHash{}
}

func (h ShaHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h ShaHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *ShaHash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("parsing sha hash %q: %w", text, err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("parsing sha hash %q: want %d bytes, got %d", text, len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// ChunkInfo describes one content-addressed chunk.
type ChunkInfo struct {
	ID       ChunkID `json:"id"`
	ByteSize uint64  `json:"byte_size"`
	Sha      ShaHash `json:"sha_hash,omitempty"`
}

// VerifyData checks retrieved bytes against the recorded hash. It is a no-op
// when no hash was recorded.
func (c ChunkInfo) VerifyData(data []byte) error {
	if uint64(len(data)) != c.ByteSize {
		return errors.IntegrityMismatch(fmt.Sprintf("chunk %s: want %d bytes, got %d", c.ID, c.ByteSize, len(data)))
	}
	if c.Sha.IsZero() {
		return nil
	}
	if HashData(data) != c.Sha {
		return errors.IntegrityMismatch(fmt.Sprintf("chunk %s: sha mismatch", c.ID))
	}
	return nil
}

// ChunkPart references a byte range of a chunk used to build part of a file.
type ChunkPart struct {
	ID     ChunkID `json:"id"`
	Offset uint64  `json:"offset"`
	Size   uint64  `json:"size"`
}

// IsWholeChunk reports whether the part spans the entire chunk described by
// info.
func (p ChunkPart) IsWholeChunk(info ChunkInfo) bool {
	return p.Offset == 0 && p.Size == info.ByteSize
}

// FileAttributes carries optional permission bits applied after a file is
// written.
type FileAttributes struct {
	Executable bool   `json:"executable,omitempty"`
	ReadOnly   bool   `json:"read_only,omitempty"`
	UnixMode   uint32 `json:"unix_mode,omitempty"`
}

func (a FileAttributes) IsDefault() bool {
	return a == FileAttributes{}
}

// FileManifest is the reconstruction recipe for one file: concatenating
// Parts in order reproduces the file's bytes exactly.
type FileManifest struct {
	Path       string         `json:"path"`
	TotalSize  uint64         `json:"total_size"`
	Parts      []ChunkPart    `json:"parts"`
	Attributes FileAttributes `json:"attributes,omitempty"`
}

// Prereq describes a prerequisite installer a build depends on.
type Prereq struct {
	Path  string   `json:"path"`
	Name  string   `json:"name"`
	Args  []string `json:"args,omitempty"`
	IDSet []string `json:"id_set,omitempty"`
}

// ContentManifest is the immutable description of one build version: chunk
// catalog plus per-file reconstruction recipes. Constructed once, then
// shared by pointer across manifest sets and threads; never mutated.
type ContentManifest struct {
	AppName           string                  `json:"app_name"`
	VersionString     string                  `json:"version_string"`
	BuildID           string                  `json:"build_id"`
	Chunks            map[ChunkID]ChunkInfo   `json:"chunks"`
	Files             map[string]FileManifest `json:"files"`
	Prereq            *Prereq                 `json:"prereq,omitempty"`
	CloudSubdirectory string                  `json:"cloud_subdirectory"`
}

// ChunkDataFilename composes the transport-layer location of a chunk's data
// file. The composition (cloud subdirectory, then a name deterministic in
// the id) is the contract; the transport owns the rest.
func (m *ContentManifest) ChunkDataFilename(id ChunkID) string {
	return path.Join(m.CloudSubdirectory, id.String()+".chunk")
}

// ChunkInfoFor returns the catalog entry for id.
func (m *ContentManifest) ChunkInfoFor(id ChunkID) (ChunkInfo, bool) {
	info, ok := m.Chunks[id]
	return info, ok
}
