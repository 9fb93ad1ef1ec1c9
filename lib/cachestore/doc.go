// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package cachestore implements hatchery's content-addressed step
// cache: a key→blob store with atomic put-if-absent and single-flight
// semantics across goroutines and across processes.
//
// Each cache key identifies the exact inputs of one pipeline step.
// The store holds at most one entry per key, and every read of that
// key returns byte-identical content or a corruption error — the
// store never repairs a damaged blob silently.
//
// On-disk layout under the store root:
//
//	blobs/aa/bb/<hex>          compressed blob bytes
//	entries/aa/bb/<hex>.cbor   entry metadata (digest, sizes, compression)
//	locks/<hex>.lock           advisory flock files for cross-process races
//	tmp/                       staging for atomic renames
//
// All writes go through a temp file and an atomic rename; a reader
// observes either a fully committed entry or nothing. Cross-process
// mutual exclusion per key uses flock on the key's lock file, so two
// hatchery invocations racing on the same uncached step perform the
// work exactly once.
package cachestore
