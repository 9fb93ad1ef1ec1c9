// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry stores immutable metadata for versioned data
// artifacts: name → ordered list of versions, each pointing at a
// content digest and the cache entry holding the bytes.
//
// Registration is append-only. Version numbers for a name never
// decrease and are never reused; existing versions are never deleted
// or rewritten. Registering different content under an already-used
// explicit version is a conflict, not an overwrite — with an explicit
// override, the new content is registered under a freshly allocated
// number and the old version survives.
//
// Each name is persisted as one CBOR record file, sharded by the
// name-domain digest of the artifact name (names may contain
// slashes). Writes go through a temp file and an atomic rename, with
// an advisory flock serializing registrations from separate
// processes. The in-memory index is rebuilt by a directory scan at
// open.
package registry
