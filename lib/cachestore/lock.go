// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hatchery-project/hatchery/lib/digest"
)

// keyLock is a reference-counted in-process mutex for one cache key.
// The map entry is removed when the last holder releases, so the lock
// table stays proportional to in-flight keys rather than cache size.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey acquires both levels of mutual exclusion for a key: the
// in-process mutex (cheap, serializes goroutines of this run) and an
// advisory flock on the key's lock file (serializes separate hatchery
// processes on the same store). Returns an unlock function.
//
// flock blocks until the holder releases; a process crash releases
// the lock automatically, so stale lock files never wedge the store.
func (s *Store) lockKey(key digest.Digest) (func(), error) {
	s.mu.Lock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &keyLock{}
		s.keyLocks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()

	lockPath := filepath.Join(s.root, locksDir, digest.Format(key)+".lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.releaseKeyLock(key, lock)
		return nil, fmt.Errorf("opening lock file for key %s: %w", digest.Short(key), err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		s.releaseKeyLock(key, lock)
		return nil, fmt.Errorf("locking key %s: %w", digest.Short(key), err)
	}

	return func() {
		// Closing the descriptor releases the flock.
		file.Close()
		s.releaseKeyLock(key, lock)
	}, nil
}

// releaseKeyLock unlocks the in-process mutex and drops the lock
// table entry once no goroutine holds or waits on it.
func (s *Store) releaseKeyLock(key digest.Digest, lock *keyLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.keyLocks, key)
	}
	s.mu.Unlock()
}
