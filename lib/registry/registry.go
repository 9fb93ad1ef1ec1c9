// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hatchery-project/hatchery/lib/clock"
	"github.com/hatchery-project/hatchery/lib/codec"
	"github.com/hatchery-project/hatchery/lib/digest"
)

// Selector values accepted by Get in addition to decimal version
// numbers.
const SelectorLatest = "latest"

// MaxNameLength bounds artifact names. Names are hierarchical
// ("weather/daily") and this is generous for real use while keeping
// record files and log lines sane.
const MaxNameLength = 512

// ErrNotFound is returned when a name or a (name, version) pair has
// never been registered.
var ErrNotFound = errors.New("artifact not found")

// ConflictError reports an attempt to register content under an
// explicit version number that already holds different content.
type ConflictError struct {
	Name     string
	Version  int
	Existing digest.Digest
	Proposed digest.Digest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"registry conflict: %s v%d already holds digest %s, refusing to register %s (pass override to allocate a new version)",
		e.Name, e.Version, digest.Short(e.Existing), digest.Short(e.Proposed),
	)
}

// Version is one immutable registered artifact version.
type Version struct {
	// Version is the monotonically allocated version number, unique
	// within the name for the lifetime of the registry.
	Version int `cbor:"version"`

	// Digest is the blob-domain digest of the artifact content.
	Digest digest.Digest `cbor:"digest"`

	// SourceCacheKey is the cache entry holding the artifact bytes.
	// The loader follows this to resolve content.
	SourceCacheKey digest.Digest `cbor:"source_cache_key"`

	// Size is the content size in bytes.
	Size int64 `cbor:"size"`

	// CreatedAt is the registration time.
	CreatedAt time.Time `cbor:"created_at"`
}

// Record is the full version history for one artifact name. Versions
// are ordered by registration; Latest is the highest version number.
type Record struct {
	Name     string    `cbor:"name"`
	Latest   int       `cbor:"latest"`
	Versions []Version `cbor:"versions"`
}

// Candidate describes an artifact being registered.
type Candidate struct {
	// Digest is the content digest. Required.
	Digest digest.Digest

	// SourceCacheKey is the cache entry holding the bytes. Required.
	SourceCacheKey digest.Digest

	// Size is the content size in bytes.
	Size int64

	// Version requests an explicit version number. Zero means
	// allocate the next number.
	Version int

	// Override permits re-registration when Version is taken by
	// different content: the old version is kept and the new content
	// gets a newly allocated number.
	Override bool
}

// Store is an append-only artifact registry rooted at a directory.
// Safe for concurrent use; registrations from separate processes are
// serialized with an advisory file lock.
type Store struct {
	root  string
	clock clock.Clock

	mu      sync.RWMutex
	records map[string]Record
}

// Open creates or opens a registry rooted at the given directory,
// loading any existing record files into the in-memory index. Pass
// nil for clk to use the real clock.
func Open(root string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory %s: %w", root, err)
	}

	store := &Store{
		root:    root,
		clock:   clk,
		records: make(map[string]Record),
	}
	if err := store.scanAll(); err != nil {
		return nil, fmt.Errorf("scanning registry records: %w", err)
	}
	return store, nil
}

// Register appends a new artifact version (or recognizes an identical
// existing one) and returns the version number that holds the
// candidate's content.
//
// Same digest under an existing explicit version is idempotent: the
// existing number is returned and nothing is written. A different
// digest under a taken version fails with *ConflictError unless
// Override is set, in which case a new number is allocated.
func (s *Store) Register(name string, candidate Candidate) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("artifact name is required")
	}
	if len(name) > MaxNameLength {
		return 0, fmt.Errorf("artifact name is %d bytes, maximum is %d", len(name), MaxNameLength)
	}
	if candidate.Digest.IsZero() {
		return 0, fmt.Errorf("registering %s: content digest is required", name)
	}
	if candidate.SourceCacheKey.IsZero() {
		return 0, fmt.Errorf("registering %s: source cache key is required", name)
	}
	if candidate.Version < 0 {
		return 0, fmt.Errorf("registering %s: version %d is negative", name, candidate.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockRegistry()
	if err != nil {
		return 0, err
	}
	defer unlock()

	// Re-read from disk under the lock: another process may have
	// registered since our last scan.
	record, err := s.readRecord(name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if record.Name == "" {
		record = Record{Name: name}
	}

	version := candidate.Version
	if version == 0 {
		version = record.Latest + 1
	} else if existing, ok := findVersion(record, version); ok {
		if existing.Digest == candidate.Digest {
			// Idempotent re-registration of identical content.
			s.records[name] = record
			return existing.Version, nil
		}
		if !candidate.Override {
			return 0, &ConflictError{
				Name:     name,
				Version:  version,
				Existing: existing.Digest,
				Proposed: candidate.Digest,
			}
		}
		// Override keeps the old version and allocates a fresh
		// number. Numbers are never reused.
		version = record.Latest + 1
	}

	record.Versions = append(record.Versions, Version{
		Version:        version,
		Digest:         candidate.Digest,
		SourceCacheKey: candidate.SourceCacheKey,
		Size:           candidate.Size,
		CreatedAt:      s.clock.Now().UTC(),
	})
	if version > record.Latest {
		record.Latest = version
	}

	if err := s.writeRecord(record); err != nil {
		return 0, err
	}
	s.records[name] = record
	return version, nil
}

// Get resolves a (name, selector) pair to a registered version.
// Selector is SelectorLatest or a decimal version number.
func (s *Store) Get(name, selector string) (Version, error) {
	s.mu.RLock()
	record, ok := s.records[name]
	s.mu.RUnlock()
	if !ok {
		return Version{}, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
	}

	if selector == SelectorLatest || selector == "" {
		latest, ok := findVersion(record, record.Latest)
		if !ok {
			return Version{}, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
		}
		return latest, nil
	}

	number, err := strconv.Atoi(selector)
	if err != nil {
		return Version{}, fmt.Errorf("artifact %q: invalid version selector %q", name, selector)
	}
	version, ok := findVersion(record, number)
	if !ok {
		return Version{}, fmt.Errorf("artifact %q version %d: %w", name, number, ErrNotFound)
	}
	return version, nil
}

// FindByDigest returns the registered version of name holding the
// given content digest. Used by the orchestrator to recognize that a
// cached package step's artifact is already registered.
func (s *Store) FindByDigest(name string, contentDigest digest.Digest) (Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return Version{}, false
	}
	for _, version := range record.Versions {
		if version.Digest == contentDigest {
			return version, true
		}
	}
	return Version{}, false
}

// Versions returns the full history for a name, in registration order.
func (s *Store) Versions(name string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
	}
	history := make([]Version, len(record.Versions))
	copy(history, record.Versions)
	return history, nil
}

// Names returns all registered artifact names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findVersion locates a version number in a record.
func findVersion(record Record, number int) (Version, bool) {
	for _, version := range record.Versions {
		if version.Version == number {
			return version, true
		}
	}
	return Version{}, false
}

// lockRegistry takes the registry-wide advisory file lock, blocking
// until any other process's registration completes.
func (s *Store) lockRegistry() (func(), error) {
	path := filepath.Join(s.root, "registry.lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening registry lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking registry: %w", err)
	}
	return func() { file.Close() }, nil
}

// scanAll walks the registry directory and loads every record file.
// Called once at open.
func (s *Store) scanAll() error {
	return filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cbor") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading record file %s: %w", path, err)
		}
		var record Record
		if err := codec.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decoding record file %s: %w", path, err)
		}
		if record.Name == "" {
			// Skip foreign or incomplete files.
			return nil
		}
		s.records[record.Name] = record
		return nil
	})
}

// readRecord reads a single record file from disk, bypassing the
// in-memory index. Returns ErrNotFound when the name has no file.
func (s *Store) readRecord(name string) (Record, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
		}
		return Record{}, fmt.Errorf("reading record for %q: %w", name, err)
	}
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("decoding record for %q: %w", name, err)
	}
	return record, nil
}

// writeRecord atomically persists a record file.
func (s *Store) writeRecord(record Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record for %q: %w", record.Name, err)
	}

	finalPath := s.recordPath(record.Name)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating record shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.root, "record-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp record file: %w", err)
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
		return fmt.Errorf("writing record data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp record file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming record for %q: %w", record.Name, err)
	}
	success = true
	return nil
}

// recordPath returns the sharded filesystem path for a name's record
// file: the name-domain digest keeps slashes and unicode out of the
// filesystem while the record itself carries the original name.
func (s *Store) recordPath(name string) string {
	hexString := digest.Format(digest.Name(name))
	return filepath.Join(s.root, hexString[:2], hexString[2:4], hexString+".cbor")
}
