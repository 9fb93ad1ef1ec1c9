// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/digest"
)

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	cache, err := cachestore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Fetcher{
		Cache:       cache,
		BackoffBase: time.Millisecond,
	}
}

func TestFetchCommitsToCache(t *testing.T) {
	content := []byte("station,reading\nKPDX,11.5\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	key := digest.CacheKey([]byte("fetch-step"))

	entry, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if entry.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", entry.Size, len(content))
	}

	_, blob, err := fetcher.Cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, content) {
		t.Error("cached bytes differ from served content")
	}
}

func TestFetchShortCircuitsOnCacheHit(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	key := digest.CacheKey([]byte("idempotent"))

	if _, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, key); err != nil {
		t.Fatal(err)
	}
	if _, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, key); err != nil {
		t.Fatal(err)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (second fetch must not touch the network)", got)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	entry, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, digest.CacheKey([]byte("retry")))
	if err != nil {
		t.Fatalf("Fetch failed after transient errors: %v", err)
	}
	if entry.Size != int64(len("finally")) {
		t.Error("wrong content committed")
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	key := digest.CacheKey([]byte("doomed"))
	_, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, key)

	var transfer *TransferError
	if !errors.As(err, &transfer) {
		t.Fatalf("err = %v, want *TransferError", err)
	}
	if transfer.Attempts != DefaultMaxAttempts {
		t.Errorf("Attempts = %d, want %d", transfer.Attempts, DefaultMaxAttempts)
	}
	if got := requests.Load(); got != DefaultMaxAttempts {
		t.Errorf("server saw %d requests, want %d", got, DefaultMaxAttempts)
	}

	// Nothing committed on failure.
	if _, err := fetcher.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("failed fetch left a cache entry behind")
	}
}

func TestFetchPermanentErrorNoRetry(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	_, err := fetcher.Fetch(context.Background(), Source{URL: server.URL}, digest.CacheKey([]byte("missing")))
	if err == nil {
		t.Fatal("Fetch of a 404 succeeded")
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (404 is permanent)", got)
	}
}

func TestFetchChecksumMismatchFatalNoRetry(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("tampered bytes"))
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	key := digest.CacheKey([]byte("pinned"))
	wrong := sha256.Sum256([]byte("what we expected"))

	_, err := fetcher.Fetch(context.Background(), Source{
		URL:      server.URL,
		Checksum: "sha256:" + hex.EncodeToString(wrong[:]),
	}, key)

	var mismatch *ChecksumError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *ChecksumError", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (corruption is not transient)", got)
	}
	if _, err := fetcher.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("mismatched content was committed to the cache")
	}
}

func TestFetchChecksumVerified(t *testing.T) {
	content := []byte("verified payload")
	sum := sha256.Sum256(content)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	fetcher := newTestFetcher(t)
	_, err := fetcher.Fetch(context.Background(), Source{
		URL:      server.URL,
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}, digest.CacheKey([]byte("good")))
	if err != nil {
		t.Fatalf("Fetch with matching checksum failed: %v", err)
	}
}

func TestFetchFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.csv")
	content := []byte("a,b\n1,2\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := newTestFetcher(t)
	key := digest.CacheKey([]byte("local"))
	if _, err := fetcher.Fetch(context.Background(), Source{URL: path}, key); err != nil {
		t.Fatalf("Fetch of local file failed: %v", err)
	}
	_, blob, err := fetcher.Cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, content) {
		t.Error("cached bytes differ from file content")
	}

	// A missing file is permanent, not retried.
	_, err = fetcher.Fetch(context.Background(), Source{URL: filepath.Join(dir, "absent.csv")}, digest.CacheKey([]byte("absent")))
	var transfer *TransferError
	if !errors.As(err, &transfer) || transfer.Attempts != 1 {
		t.Errorf("missing file: err = %v, want single-attempt TransferError", err)
	}
}

func TestVerifyChecksumFormats(t *testing.T) {
	data := []byte("data")

	if err := verifyChecksum(Source{Checksum: "md5:abc"}, data); err == nil {
		t.Error("unsupported algorithm accepted")
	}
	if err := verifyChecksum(Source{Checksum: "no-separator"}, data); err == nil {
		t.Error("malformed declaration accepted")
	}
	if err := verifyChecksum(Source{}, data); err != nil {
		t.Errorf("empty declaration should verify trivially: %v", err)
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 32 * time.Second},
		{7, maxBackoff},
		{63, maxBackoff},
		{200, maxBackoff},
	}
	for _, c := range cases {
		if got := retryBackoff(time.Second, c.attempt); got != c.want {
			t.Errorf("retryBackoff(1s, %d) = %v, want %v", c.attempt, got, c.want)
		}
	}

	// The delay stays positive for any attempt count, so a huge
	// HATCHERY_RETRIES never turns the backoff into an immediate
	// retry loop.
	for _, attempt := range []int{1, 40, 64, 1 << 20} {
		if got := retryBackoff(defaultBackoffBase, attempt); got <= 0 {
			t.Errorf("retryBackoff(_, %d) = %v, want a positive delay", attempt, got)
		}
	}
}
