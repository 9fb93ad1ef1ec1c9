// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch retrieves raw data from external sources into the
// cache, idempotently. A fetch whose destination key is already
// cached performs no network I/O at all — that is the primary
// cost-avoidance guarantee for large or rate-limited sources.
//
// Transient failures (connection errors, HTTP 429, HTTP 5xx) are
// retried with exponential backoff up to a configurable bound. A
// declared-checksum mismatch is fatal on the first occurrence: data
// corruption is not a transient condition, and retrying would only
// re-download the same wrong bytes.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/clock"
	"github.com/hatchery-project/hatchery/lib/digest"
)

// DefaultMaxAttempts is the retry bound when Fetcher.MaxAttempts is
// zero.
const DefaultMaxAttempts = 3

// defaultBackoffBase is the first retry delay; subsequent delays
// double (1s, 2s, 4s, ...).
const defaultBackoffBase = time.Second

// maxBackoff caps the delay between attempts no matter how many
// retries HATCHERY_RETRIES configures.
const maxBackoff = time.Minute

// retryBackoff returns the delay before the given attempt (attempt 1
// is the first retry). Doubling is capped at maxBackoff; unchecked,
// the shift would overflow into a zero or negative duration for large
// retry configurations and the backoff would silently vanish.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return maxBackoff
	}
	backoff := base << (attempt - 1)
	if backoff <= 0 || backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// Source describes where raw data comes from and, optionally, what it
// must hash to.
type Source struct {
	// URL is an http://, https://, or file:// URL, or a plain
	// filesystem path.
	URL string

	// Checksum optionally pins the content: "sha256:<hex>" or
	// "blake3:<hex>". Verified after download, before the cache
	// commit.
	Checksum string
}

// TransferError reports a retrieval that failed after exhausting its
// retries (or immediately, for permanent failures). It is the
// retryable class of fetch failure — the orchestrator records it as a
// network error.
type TransferError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("fetching %s: %v (after %d attempts)", e.URL, e.Err, e.Attempts)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ChecksumError reports downloaded content that does not match its
// declared checksum. Always fatal, never retried.
type ChecksumError struct {
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: %s digest %s, declared %s",
		e.URL, e.Algorithm, e.Actual, e.Expected)
}

// statusError is a non-2xx HTTP response, classified transient or
// permanent by code.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
}

// Fetcher downloads sources into a cache store. The zero MaxAttempts,
// BackoffBase, Client, Clock, and Logger fields select defaults, so
// Fetcher{Cache: cache} is ready to use.
type Fetcher struct {
	// Cache receives the fetched bytes. Required.
	Cache *cachestore.Store

	// Client performs HTTP requests. Defaults to http.DefaultClient.
	Client *http.Client

	// Clock paces retry backoff. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives retry warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxAttempts bounds retries of transient failures. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int

	// BackoffBase is the first retry delay, doubled per attempt.
	// Defaults to one second.
	BackoffBase time.Duration

	// Limiter optionally paces requests to rate-limited sources. Nil
	// means no client-side limiting.
	Limiter *rate.Limiter
}

// Fetch retrieves source into the cache under the destination key.
// If the key is already cached the source is not contacted. Racing
// fetches of the same key — in this process or another — download
// exactly once; the losers receive the winner's committed entry.
func (f *Fetcher) Fetch(ctx context.Context, source Source, key digest.Digest) (cachestore.Entry, error) {
	// Idempotent short-circuit before taking any lock.
	if entry, err := f.Cache.Stat(key); err == nil {
		return entry, nil
	}

	entry, wasNew, err := f.Cache.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		return f.retrieve(ctx, source)
	})
	if err != nil {
		return cachestore.Entry{}, err
	}
	if wasNew {
		f.logger().Info("fetched source",
			"url", source.URL,
			"key", digest.Short(key),
			"size", entry.Size,
		)
	}
	return entry, nil
}

// retrieve downloads the source with bounded retry and verifies the
// declared checksum. Checksum failures abort immediately.
func (f *Fetcher) retrieve(ctx context.Context, source Source) ([]byte, error) {
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := f.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}

	var lastError error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(backoffBase, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-f.clock().After(backoff):
			}
		}

		if f.Limiter != nil {
			if err := f.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		data, err := f.download(ctx, source.URL)
		if err == nil {
			if err := verifyChecksum(source, data); err != nil {
				// Fatal: a mismatch on re-download would produce the
				// same wrong bytes.
				return nil, err
			}
			return data, nil
		}
		lastError = err

		if !isTransient(err) || ctx.Err() != nil {
			return nil, &TransferError{URL: source.URL, Attempts: attempt + 1, Err: err}
		}

		f.logger().Warn("transient fetch failure, retrying",
			"url", source.URL,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, &TransferError{URL: source.URL, Attempts: maxAttempts, Err: lastError}
}

// download performs one retrieval attempt.
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing source URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		return f.downloadHTTP(ctx, rawURL)
	case "file":
		return os.ReadFile(parsed.Path)
	case "":
		// A plain filesystem path.
		return os.ReadFile(rawURL)
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", parsed.Scheme)
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused, then
		// classify by status.
		io.CopyN(io.Discard, response.Body, 4096)
		return nil, &statusError{code: response.StatusCode}
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

// isTransient classifies a download failure. Connection-level errors,
// HTTP 429, and HTTP 5xx are worth retrying; anything else — client
// errors, unsupported schemes, unreadable files — is permanent.
func isTransient(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.code == http.StatusTooManyRequests || status.code >= 500
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return false
	}
	var urlError *url.Error
	if errors.As(err, &urlError) {
		// Connection refused, resets, DNS hiccups.
		return true
	}
	return false
}

// verifyChecksum checks data against the source's declared checksum,
// if any. The declaration format is "<algorithm>:<hex>" with sha256
// and blake3 supported.
func verifyChecksum(source Source, data []byte) error {
	if source.Checksum == "" {
		return nil
	}

	algorithm, expected, ok := strings.Cut(source.Checksum, ":")
	if !ok {
		return fmt.Errorf("invalid checksum declaration %q: want \"<algorithm>:<hex>\"", source.Checksum)
	}

	var actual string
	switch algorithm {
	case "sha256":
		sum := sha256.Sum256(data)
		actual = hex.EncodeToString(sum[:])
	case "blake3":
		sum := blake3.Sum256(data)
		actual = hex.EncodeToString(sum[:])
	default:
		return fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}

	if !strings.EqualFold(actual, expected) {
		return &ChecksumError{
			URL:       source.URL,
			Algorithm: algorithm,
			Expected:  expected,
			Actual:    actual,
		}
	}
	return nil
}

func (f *Fetcher) clock() clock.Clock {
	if f.Clock != nil {
		return f.Clock
	}
	return clock.Real()
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
