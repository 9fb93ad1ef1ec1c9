// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package loader is the consumer read path: it resolves a requested
// (name, version-or-latest) pair to artifact bytes through the
// registry and the cache. It performs no computation and triggers no
// pipeline work; since registered artifacts are immutable, any number
// of reports may resolve concurrently with no coordination.
package loader

import (
	"fmt"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/digest"
	"github.com/hatchery-project/hatchery/lib/registry"
)

// Loader resolves registered artifacts to their content.
type Loader struct {
	Registry *registry.Store
	Cache    *cachestore.Store
}

// New returns a Loader over the given registry and cache.
func New(reg *registry.Store, cache *cachestore.Store) *Loader {
	return &Loader{Registry: reg, Cache: cache}
}

// Resolve returns the bytes and registry metadata for an artifact.
// selector is registry.SelectorLatest or a decimal version number.
//
// The returned bytes are verified twice: the cache checks the blob
// against its committed digest, and Resolve checks that digest
// against the one registered for the version — so a report can never
// silently read content that differs from what was registered.
func (l *Loader) Resolve(name, selector string) ([]byte, registry.Version, error) {
	version, err := l.Registry.Get(name, selector)
	if err != nil {
		return nil, registry.Version{}, err
	}

	entry, blob, err := l.Cache.Get(version.SourceCacheKey)
	if err != nil {
		return nil, version, fmt.Errorf("reading %s v%d content: %w", name, version.Version, err)
	}

	if entry.BlobDigest != version.Digest {
		return nil, version, fmt.Errorf(
			"artifact %s v%d: cache entry %s holds digest %s, registry recorded %s",
			name, version.Version, digest.Short(version.SourceCacheKey),
			digest.Short(entry.BlobDigest), digest.Short(version.Digest),
		)
	}

	return blob, version, nil
}
