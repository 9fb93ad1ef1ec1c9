// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hatchery-project/hatchery/lib/clock"
	"github.com/hatchery-project/hatchery/lib/codec"
	"github.com/hatchery-project/hatchery/lib/digest"
)

// Directory names within the store root.
const (
	blobsDir   = "blobs"
	entriesDir = "entries"
	locksDir   = "locks"
	tmpDir     = "tmp"
)

// Entry is the immutable metadata committed alongside a blob. Once an
// entry exists for a key it is never rewritten — a changed step
// produces a new key, never a new entry under the old one.
type Entry struct {
	// Key is the cache key this entry is stored under.
	Key digest.Digest `cbor:"key"`

	// BlobDigest is the blob-domain digest of the uncompressed
	// content. Verified on every read.
	BlobDigest digest.Digest `cbor:"blob_digest"`

	// Size is the uncompressed content size in bytes.
	Size int64 `cbor:"size"`

	// StoredSize is the on-disk (possibly compressed) size in bytes.
	StoredSize int64 `cbor:"stored_size"`

	// Compression describes the bytes in the blob file.
	Compression CompressionTag `cbor:"compression"`

	// CreatedAt is the commit time of the entry.
	CreatedAt time.Time `cbor:"created_at"`
}

// Store is a content-addressed cache rooted at a directory. Safe for
// concurrent use by multiple goroutines and by multiple processes
// sharing the same root.
type Store struct {
	root  string
	clock clock.Clock

	mu       sync.Mutex
	keyLocks map[digest.Digest]*keyLock
}

// Open creates or opens a cache store rooted at the given directory.
// The directory structure is created if it does not exist. Pass nil
// for clk to use the real clock.
func Open(root string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	for _, dir := range []string{
		root,
		filepath.Join(root, blobsDir),
		filepath.Join(root, entriesDir),
		filepath.Join(root, locksDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	return &Store{
		root:     root,
		clock:    clk,
		keyLocks: make(map[digest.Digest]*keyLock),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Stat returns the entry for a key without reading the blob. Returns
// ErrNotFound if the key has never been committed.
func (s *Store) Stat(key digest.Digest) (Entry, error) {
	return s.readEntry(key)
}

// Get returns the entry and the uncompressed blob for a key. The blob
// digest is verified on every read; any mismatch, missing blob file,
// or decompression failure is reported as a *CorruptionError and
// never repaired in place.
func (s *Store) Get(key digest.Digest) (Entry, []byte, error) {
	entry, err := s.readEntry(key)
	if err != nil {
		return Entry{}, nil, err
	}

	stored, err := os.ReadFile(s.blobPath(key))
	if err != nil {
		return entry, nil, &CorruptionError{
			Key:      key,
			Expected: entry.BlobDigest,
			Detail:   fmt.Sprintf("blob file unreadable: %v", err),
		}
	}

	blob, err := decompress(stored, entry.Compression, int(entry.Size))
	if err != nil {
		return entry, nil, &CorruptionError{
			Key:      key,
			Expected: entry.BlobDigest,
			Detail:   err.Error(),
		}
	}

	if actual := digest.Blob(blob); actual != entry.BlobDigest {
		return entry, nil, &CorruptionError{
			Key:      key,
			Expected: entry.BlobDigest,
			Actual:   actual,
		}
	}

	return entry, blob, nil
}

// PutIfAbsent commits a blob under a key unless an entry already
// exists. Atomic across concurrent callers in this and other
// processes: exactly one performs the write, the rest block on the
// key lock and then observe the winner's entry. Returns the entry and
// whether this call performed the write.
func (s *Store) PutIfAbsent(key digest.Digest, blob []byte) (Entry, bool, error) {
	// Fast path: committed entries are immutable, no lock needed.
	if entry, err := s.readEntry(key); err == nil {
		return entry, false, nil
	}

	unlock, err := s.lockKey(key)
	if err != nil {
		return Entry{}, false, err
	}
	defer unlock()

	// Another caller may have committed while we waited on the lock.
	if entry, err := s.readEntry(key); err == nil {
		return entry, false, nil
	}

	entry, err := s.write(key, blob)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// GetOrFill returns the entry for a key, running fill to produce the
// blob on a miss. The key lock is held for the duration of fill, so N
// concurrent callers — including other hatchery processes on the same
// store — trigger exactly one execution of fill; the rest block and
// receive the identical committed entry.
//
// fill runs only while the lock is held and its result is committed
// atomically: if fill fails or ctx is cancelled, nothing is written
// and the key remains absent.
func (s *Store) GetOrFill(ctx context.Context, key digest.Digest, fill func(context.Context) ([]byte, error)) (Entry, bool, error) {
	if entry, err := s.readEntry(key); err == nil {
		return entry, false, nil
	}

	unlock, err := s.lockKey(key)
	if err != nil {
		return Entry{}, false, err
	}
	defer unlock()

	if entry, err := s.readEntry(key); err == nil {
		return entry, false, nil
	}

	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	blob, err := fill(ctx)
	if err != nil {
		return Entry{}, false, err
	}

	entry, err := s.write(key, blob)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Purge removes a key's entry and blob. This is the explicit recovery
// path for corruption: the next run of the producing step sees a miss
// and rebuilds the entry. Purging an absent key returns ErrNotFound.
func (s *Store) Purge(key digest.Digest) error {
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	entryPath := s.entryPath(key)
	if _, err := os.Stat(entryPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("purging key %s: %w", digest.Short(key), ErrNotFound)
		}
		return fmt.Errorf("purging key %s: %w", digest.Short(key), err)
	}

	// Entry first: once it is gone, readers see a plain miss rather
	// than corruption while the blob is being removed.
	if err := os.Remove(entryPath); err != nil {
		return fmt.Errorf("removing entry for key %s: %w", digest.Short(key), err)
	}
	if err := os.Remove(s.blobPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing blob for key %s: %w", digest.Short(key), err)
	}
	return nil
}

// Keys returns every committed cache key, in no particular order.
// Used by integrity scans and CLI inspection.
func (s *Store) Keys() ([]digest.Digest, error) {
	var keys []digest.Digest
	root := filepath.Join(s.root, entriesDir)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cbor") {
			return nil
		}
		key, err := digest.Parse(strings.TrimSuffix(entry.Name(), ".cbor"))
		if err != nil {
			// Foreign files in the entries tree are ignored rather
			// than failing the whole scan.
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning cache entries: %w", err)
	}
	return keys, nil
}

// write commits blob under key: compressed blob file first, entry
// metadata last, both via temp file and atomic rename. The entry's
// presence is the commit point. Caller must hold the key lock.
func (s *Store) write(key digest.Digest, blob []byte) (Entry, error) {
	stored, tag := compressAuto(blob)

	if err := s.atomicWrite(s.blobPath(key), stored, "blob-*"); err != nil {
		return Entry{}, fmt.Errorf("writing blob for key %s: %w", digest.Short(key), err)
	}

	entry := Entry{
		Key:         key,
		BlobDigest:  digest.Blob(blob),
		Size:        int64(len(blob)),
		StoredSize:  int64(len(stored)),
		Compression: tag,
		CreatedAt:   s.clock.Now().UTC(),
	}

	data, err := codec.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding entry for key %s: %w", digest.Short(key), err)
	}
	if err := s.atomicWrite(s.entryPath(key), data, "entry-*"); err != nil {
		return Entry{}, fmt.Errorf("writing entry for key %s: %w", digest.Short(key), err)
	}

	return entry, nil
}

// atomicWrite writes data to path via a temp file in the store's tmp
// directory and an atomic rename, creating the shard directory as
// needed.
func (s *Store) atomicWrite(path string, data []byte, pattern string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), pattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	success = true
	return nil
}

// readEntry reads and decodes a key's entry metadata.
func (s *Store) readEntry(key digest.Digest) (Entry, error) {
	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("key %s: %w", digest.Short(key), ErrNotFound)
		}
		return Entry{}, fmt.Errorf("reading entry for key %s: %w", digest.Short(key), err)
	}
	var entry Entry
	if err := codec.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decoding entry for key %s: %w", digest.Short(key), err)
	}
	return entry, nil
}

// blobPath returns the sharded path for a key's blob file:
// blobs/aa/bb/<hex>.
func (s *Store) blobPath(key digest.Digest) string {
	hexString := digest.Format(key)
	return filepath.Join(s.root, blobsDir, hexString[:2], hexString[2:4], hexString)
}

// entryPath returns the sharded path for a key's entry metadata.
func (s *Store) entryPath(key digest.Digest) string {
	hexString := digest.Format(key)
	return filepath.Join(s.root, entriesDir, hexString[:2], hexString[2:4], hexString+".cbor")
}
