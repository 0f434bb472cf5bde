package manifest

import (
	"bytes"
	"strings"
	"testing"

	"depot/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(b byte) ChunkID {
	var id ChunkID
	id[0] = b
	return id
}

func TestChunkID(t *testing.T) {
	t.Run("ParseRoundTrip", func(t *testing.T) {
		id := testID(0xab)
		parsed, err := ParseChunkID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("ParseRejectsBadInput", func(t *testing.T) {
		_, err := ParseChunkID("not-hex")
		assert.Error(t, err)

		_, err = ParseChunkID("abcd") // too short
		assert.Error(t, err)
	})

	t.Run("IsZero", func(t *testing.T) {
		assert.True(t, ChunkID{}.IsZero())
		assert.False(t, testID(1).IsZero())
	})

	t.Run("TextMarshaling", func(t *testing.T) {
		id := testID(0x5c)
		text, err := id.MarshalText()
		require.NoError(t, err)

		var back ChunkID
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, id, back)
	})
}

func TestChunkInfoVerifyData(t *testing.T) {
	data := []byte("chunk payload bytes")
	info := ChunkInfo{
		ID:       testID(1),
		ByteSize: uint64(len(data)),
		Sha:      HashData(data),
	}

	t.Run("Accepts matching bytes", func(t *testing.T) {
		assert.NoError(t, info.VerifyData(data))
	})

	t.Run("Rejects wrong size", func(t *testing.T) {
		err := info.VerifyData(data[:5])
		require.Error(t, err)
		assert.True(t, errors.IsIntegrityMismatch(err))
	})

	t.Run("Rejects corrupted bytes", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[0] ^= 0xff
		err := info.VerifyData(corrupt)
		require.Error(t, err)
		assert.True(t, errors.IsIntegrityMismatch(err))
	})

	t.Run("No recorded hash skips the check", func(t *testing.T) {
		unhashed := ChunkInfo{ID: testID(2), ByteSize: uint64(len(data))}
		corrupt := append([]byte(nil), data...)
		corrupt[0] ^= 0xff
		assert.NoError(t, unhashed.VerifyData(corrupt))
	})
}

// Reconstructing a file by concatenating its parts in order must reproduce
// a byte sequence of exactly TotalSize, including repeated chunk ids at
// different ranges.
func TestFileRecipeRoundTrip(t *testing.T) {
	chunkA := []byte(strings.Repeat("A", 64))
	chunkB := []byte(strings.Repeat("B", 32))
	content := map[ChunkID][]byte{
		testID(1): chunkA,
		testID(2): chunkB,
	}

	fm := FileManifest{
		Path: "data/game.bin",
		Parts: []ChunkPart{
			{ID: testID(1), Offset: 0, Size: 64},
			{ID: testID(2), Offset: 0, Size: 16},
			{ID: testID(1), Offset: 10, Size: 20}, // same chunk, different range
		},
	}
	fm.TotalSize = 64 + 16 + 20

	var out bytes.Buffer
	for _, part := range fm.Parts {
		chunk := content[part.ID]
		out.Write(chunk[part.Offset : part.Offset+part.Size])
	}

	assert.Equal(t, fm.TotalSize, uint64(out.Len()))
	assert.Equal(t, chunkA, out.Bytes()[:64])
	assert.Equal(t, chunkB[:16], out.Bytes()[64:80])
	assert.Equal(t, chunkA[10:30], out.Bytes()[80:])
}

func TestFileAttributes(t *testing.T) {
	assert.True(t, FileAttributes{}.IsDefault())
	assert.False(t, FileAttributes{Executable: true}.IsDefault())
	assert.False(t, FileAttributes{UnixMode: 0755}.IsDefault())
}

func TestChunkDataFilename(t *testing.T) {
	m := &ContentManifest{CloudSubdirectory: "builds/v2"}
	id := testID(0x7f)
	assert.Equal(t, "builds/v2/"+id.String()+".chunk", m.ChunkDataFilename(id))
}
