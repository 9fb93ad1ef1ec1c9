// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest. All hatchery hashes (blob
// contents, cache keys, registry name shards) are this size.
type Digest [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different digests in
// different contexts, so a blob digest can never collide with a cache
// key or a name shard.
type domainKey [32]byte

// Domain separation keys. These are fixed constants — changing them
// invalidates every digest in that domain. The byte values are the
// ASCII encoding of the domain name, zero-padded to 32 bytes, which
// keeps them readable in hex dumps without weakening the keyed mode.
var (
	blobDomainKey = domainKey{
		'h', 'a', 't', 'c', 'h', 'e', 'r', 'y', '.',
		'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	cacheKeyDomainKey = domainKey{
		'h', 'a', 't', 'c', 'h', 'e', 'r', 'y', '.',
		'c', 'a', 'c', 'h', 'e', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	nameDomainKey = domainKey{
		'h', 'a', 't', 'c', 'h', 'e', 'r', 'y', '.',
		'n', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Blob computes the blob-domain digest of raw content. This is the
// digest recorded in cache entries and registry records, and the one
// verified on every cache read.
func Blob(data []byte) Digest {
	return keyedHash(blobDomainKey, data)
}

// CacheKey computes the cache-key-domain digest of encoded key
// material. Callers encode the material deterministically (CBOR Core
// Deterministic Encoding) before hashing, so identical step inputs
// always produce identical keys.
func CacheKey(material []byte) Digest {
	return keyedHash(cacheKeyDomainKey, material)
}

// Name computes the name-domain digest of an artifact or lock name.
// Used to derive filesystem-safe sharded paths from user-chosen names
// that may contain slashes.
func Name(name string) Digest {
	return keyedHash(nameDomainKey, []byte(name))
}

// Format returns the hex-encoded string representation of a digest.
// This is the canonical form used in metadata, logs, and CLI output.
func Format(d Digest) string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters of a digest, for log lines
// and report summaries where the full 64 characters are noise.
func Short(d Digest) string {
	return hex.EncodeToString(d[:6])
}

// Parse parses a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return d, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(d[:], decoded)
	return d, nil
}

// IsZero reports whether d is the zero digest. The zero value is never
// a valid digest of any content.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String implements fmt.Stringer with the canonical hex form.
func (d Digest) String() string { return Format(d) }

// keyedHash computes the BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed only fails for a wrong key length, which the fixed-size
	// domainKey type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
