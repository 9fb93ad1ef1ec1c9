// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// stored blob. Tags are recorded in entry metadata — changing the
// values invalidates existing caches.
type CompressionTag uint8

const (
	// CompressionNone indicates uncompressed data. Selected when the
	// blob is already compressed (zip archives, parquet, images) and
	// recompression would only burn CPU.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 indicates LZ4 block compression: modest ratio,
	// very cheap decode. Selected when data compresses a little but
	// not enough to justify zstd.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd indicates zstd at the default level. The usual
	// choice for the CSV, JSON, and TSV payloads data pipelines move
	// around.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// zstdEncoder and zstdDecoder are shared across calls: both are safe
// for concurrent use and repeated initialization is the dominant cost
// otherwise.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cachestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cachestore: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned when compressed output would not be
// smaller than the input. The caller falls back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// compressAuto probes the blob and compresses it with the algorithm
// the probe selects, falling back to CompressionNone for
// incompressible data. Returns the stored bytes and the tag that
// describes them.
func compressAuto(data []byte) ([]byte, CompressionTag) {
	tag := selectCompression(data)
	if tag == CompressionNone {
		return data, CompressionNone
	}
	compressed, err := compress(data, tag)
	if err != nil {
		// Incompressible or a compressor failure: store raw bytes.
		// Raw storage is always correct; compression is only a size
		// optimization.
		return data, CompressionNone
	}
	return compressed, tag
}

// selectCompression probes data with zstd and picks an algorithm by
// achieved ratio: zstd above 1.5x, lz4 between 1.1x and 1.5x, raw
// below that.
func selectCompression(data []byte) CompressionTag {
	if len(data) == 0 {
		return CompressionNone
	}

	probe := data
	// Probing the first 128 KiB is representative enough; whole-blob
	// probes double the compression cost of large fetches.
	const probeLimit = 128 * 1024
	if len(probe) > probeLimit {
		probe = probe[:probeLimit]
	}

	compressed := zstdEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compress compresses data with the given algorithm. Returns
// errIncompressible when the output would not be smaller.
func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompress reverses compress. The uncompressedSize must match the
// original blob length exactly; a mismatch is an error so damaged
// blobs surface as corruption rather than truncated reads.
func decompress(stored []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != uncompressedSize {
			return nil, fmt.Errorf("raw blob: size %d does not match recorded %d", len(stored), uncompressedSize)
		}
		return stored, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(stored, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
