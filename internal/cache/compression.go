// internal/cache/compression.go
package cache

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures how cached chunk files are compressed.
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 3=best)
	Level int
}

// DefaultCompressionOptions provides sensible defaults
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 1024, // 1KB
		Level:   2,    // Balanced speed/compression
	}
}

// compressionManager handles compression of cached chunk files
type compressionManager struct {
	opts CompressionOptions

	// Encoder/decoder pools
	encoders sync.Pool
	decoders sync.Pool
}

func newCompressionManager(opts CompressionOptions) (*compressionManager, error) {
	if opts.MinSize == 0 {
		opts.MinSize = DefaultCompressionOptions().MinSize
	}
	if opts.Level == 0 {
		opts.Level = DefaultCompressionOptions().Level
	}

	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	cm := &compressionManager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
				)
				return dec
			},
		},
	}

	return cm, nil
}

// compress compresses chunk bytes when it pays off, reporting whether the
// returned bytes are compressed. Tiny chunks and chunks that do not
// shrink are stored as-is.
func (cm *compressionManager) compress(data []byte) ([]byte, bool) {
	if len(data) < cm.opts.MinSize {
		return data, false
	}

	// Get encoder from pool
	enc := cm.encoders.Get().(*zstd.Encoder)
	defer cm.encoders.Put(enc)

	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

// decompress decompresses a cached chunk file's bytes
func (cm *compressionManager) decompress(data []byte) ([]byte, error) {
	// Get decoder from pool
	dec := cm.decoders.Get().(*zstd.Decoder)
	defer cm.decoders.Put(dec)

	// Check if content is actually compressed
	if len(data) > 4 && bytes.Equal(data[:4], zstdMagic) {
		return dec.DecodeAll(data, nil)
	}

	// Content wasn't compressed
	return data, nil
}

// close cleans up resources
func (cm *compressionManager) close() {
	for {
		if enc := cm.encoders.Get(); enc == nil {
			break
		} else {
			enc.(*zstd.Encoder).Close()
		}
	}
	for {
		if dec := cm.decoders.Get(); dec == nil {
			break
		} else {
			dec.(*zstd.Decoder).Close()
		}
	}
}
