// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"errors"
	"fmt"

	"github.com/hatchery-project/hatchery/lib/digest"
)

// ErrNotFound is returned by Get and Stat when no entry exists for the
// requested key. Callers distinguish a miss (run the step) from real
// failures with errors.Is.
var ErrNotFound = errors.New("cache entry not found")

// CorruptionError reports that a stored blob no longer matches the
// digest recorded at commit time. Corruption is never repaired
// automatically: recovery requires an explicit Purge of the key
// followed by re-execution of the producing step.
type CorruptionError struct {
	// Key is the cache key whose blob is damaged.
	Key digest.Digest

	// Expected is the blob digest recorded in the entry.
	Expected digest.Digest

	// Actual is the digest computed from the bytes on disk. Zero when
	// the blob could not be decompressed at all.
	Actual digest.Digest

	// Detail describes the failure when digest comparison was not
	// reached (missing blob file, decompression error).
	Detail string
}

func (e *CorruptionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cache corruption for key %s: %s (purge the key to recover)",
			digest.Short(e.Key), e.Detail)
	}
	return fmt.Sprintf("cache corruption for key %s: blob digest %s does not match recorded %s (purge the key to recover)",
		digest.Short(e.Key), digest.Short(e.Actual), digest.Short(e.Expected))
}
