// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/digest"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cache, err := cachestore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{Cache: cache, WorkRoot: t.TempDir()}
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// putInput commits blob under a derived key and returns the input.
func putInput(t *testing.T, runner *Runner, name string, blob []byte) Input {
	t.Helper()
	key := digest.CacheKey([]byte("input:" + name))
	if _, _, err := runner.Cache.PutIfAbsent(key, blob); err != nil {
		t.Fatal(err)
	}
	return Input{Name: name, Key: key}
}

func TestTransformProducesOutput(t *testing.T) {
	runner := newTestRunner(t)
	input := putInput(t, runner, "raw", []byte("hello pipeline\n"))
	script := writeScript(t, `tr 'a-z' 'A-Z' < "$HATCHERY_INPUT_RAW" > "$HATCHERY_OUTPUT"`)
	key := digest.CacheKey([]byte("transform-step"))

	entry, err := runner.Transform(context.Background(), Script{Path: script}, []Input{input}, key)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	_, blob, err := runner.Cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "HELLO PIPELINE\n" {
		t.Errorf("output = %q, want uppercased input", blob)
	}
	if entry.Size != int64(len(blob)) {
		t.Errorf("entry size %d does not match output %d", entry.Size, len(blob))
	}
}

func TestTransformMultipleInputsAndNameMapping(t *testing.T) {
	runner := newTestRunner(t)
	first := putInput(t, runner, "raw-data", []byte("one\n"))
	second := putInput(t, runner, "lookup.table", []byte("two\n"))
	script := writeScript(t, `cat "$HATCHERY_INPUT_RAW_DATA" "$HATCHERY_INPUT_LOOKUP_TABLE" > "$HATCHERY_OUTPUT"`)

	key := digest.CacheKey([]byte("join"))
	if _, err := runner.Transform(context.Background(), Script{Path: script}, []Input{first, second}, key); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	_, blob, err := runner.Cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "one\ntwo\n" {
		t.Errorf("output = %q, want concatenation of both inputs", blob)
	}
}

func TestTransformNonZeroExitIsScriptError(t *testing.T) {
	runner := newTestRunner(t)
	script := writeScript(t, "echo 'column mismatch in row 7' >&2\nexit 3\n")
	key := digest.CacheKey([]byte("failing"))

	_, err := runner.Transform(context.Background(), Script{Path: script}, nil, key)

	var scriptError *ScriptError
	if !errors.As(err, &scriptError) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
	if scriptError.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", scriptError.ExitCode)
	}
	if !strings.Contains(scriptError.Diagnostic, "column mismatch in row 7") {
		t.Errorf("Diagnostic %q does not carry the script's stderr", scriptError.Diagnostic)
	}
	if scriptError.Script != script {
		t.Error("error does not carry the script identity")
	}

	// Failure commits nothing.
	if _, err := runner.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("failed transform left a cache entry")
	}
}

func TestTransformMissingOutputIsScriptError(t *testing.T) {
	runner := newTestRunner(t)
	script := writeScript(t, "exit 0\n")

	_, err := runner.Transform(context.Background(), Script{Path: script}, nil, digest.CacheKey([]byte("silent")))
	var scriptError *ScriptError
	if !errors.As(err, &scriptError) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
	if !strings.Contains(scriptError.Diagnostic, "no HATCHERY_OUTPUT") {
		t.Errorf("Diagnostic = %q", scriptError.Diagnostic)
	}
}

func TestTransformEmptyOutputIsScriptError(t *testing.T) {
	runner := newTestRunner(t)
	script := writeScript(t, `: > "$HATCHERY_OUTPUT"`)
	key := digest.CacheKey([]byte("empty"))

	_, err := runner.Transform(context.Background(), Script{Path: script}, nil, key)
	var scriptError *ScriptError
	if !errors.As(err, &scriptError) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
	if !strings.Contains(scriptError.Diagnostic, "empty") {
		t.Errorf("Diagnostic = %q", scriptError.Diagnostic)
	}
	if _, err := runner.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("empty output was committed to the cache")
	}
}

func TestTransformSameBaseNameInputsStayDistinct(t *testing.T) {
	runner := newTestRunner(t)
	first := putInput(t, runner, "a/data", []byte("FIRST\n"))
	second := putInput(t, runner, "b/data", []byte("SECOND\n"))
	script := writeScript(t, `cat "$HATCHERY_INPUT_A_DATA" "$HATCHERY_INPUT_B_DATA" > "$HATCHERY_OUTPUT"`)

	key := digest.CacheKey([]byte("same-base"))
	if _, err := runner.Transform(context.Background(), Script{Path: script}, []Input{first, second}, key); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	_, blob, err := runner.Cache.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != "FIRST\nSECOND\n" {
		t.Errorf("output = %q, inputs with the same base name clobbered each other", blob)
	}
}

func TestTransformRejectsCollidingInputNames(t *testing.T) {
	runner := newTestRunner(t)
	first := putInput(t, runner, "raw-data", []byte("FIRST\n"))
	second := putInput(t, runner, "raw.data", []byte("SECOND\n"))
	script := writeScript(t, `cat "$HATCHERY_INPUT_RAW_DATA" > "$HATCHERY_OUTPUT"`)

	key := digest.CacheKey([]byte("collision"))
	_, err := runner.Transform(context.Background(), Script{Path: script}, []Input{first, second}, key)
	if err == nil || !strings.Contains(err.Error(), "HATCHERY_INPUT_RAW_DATA") {
		t.Fatalf("err = %v, want a collision error naming the variable", err)
	}
	if _, err := runner.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("colliding inputs committed an entry")
	}
}

func TestTransformTimeoutSurfacesContextError(t *testing.T) {
	runner := newTestRunner(t)
	script := writeScript(t, "sleep 30\n")
	key := digest.CacheKey([]byte("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := runner.Transform(ctx, Script{Path: script}, nil, key)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if _, err := runner.Cache.Stat(key); !errors.Is(err, cachestore.ErrNotFound) {
		t.Error("timed-out transform committed an entry")
	}
}

func TestTransformCacheHitSkipsExecution(t *testing.T) {
	runner := newTestRunner(t)
	marker := filepath.Join(t.TempDir(), "executions")
	script := writeScript(t, `echo run >> `+marker+`
echo result > "$HATCHERY_OUTPUT"`)
	key := digest.CacheKey([]byte("cached"))

	for i := 0; i < 3; i++ {
		if _, err := runner.Transform(context.Background(), Script{Path: script}, nil, key); err != nil {
			t.Fatalf("Transform %d failed: %v", i, err)
		}
	}

	executions, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if got := bytes.Count(executions, []byte("run")); got != 1 {
		t.Errorf("script executed %d times, want 1", got)
	}
}

func TestEnvironmentName(t *testing.T) {
	cases := map[string]string{
		"raw":           "RAW",
		"raw-data":      "RAW_DATA",
		"lookup.table":  "LOOKUP_TABLE",
		"a//b":          "A_B",
		"--edge-case--": "EDGE_CASE",
	}
	for input, want := range cases {
		if got := environmentName(input); got != want {
			t.Errorf("environmentName(%q) = %q, want %q", input, got, want)
		}
	}
}
