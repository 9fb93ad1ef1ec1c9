// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Fetch.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Fetch.MaxAttempts)
	}
	if cfg.Run.MaxParallel != 4 {
		t.Errorf("max parallel = %d, want 4", cfg.Run.MaxParallel)
	}
	if cfg.Paths.Root == "" {
		t.Error("root should have a default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hatchery.yaml")
	content := `
paths:
  root: /srv/hatchery
  cache: /fast-disk/hatchery-cache
fetch:
  max_attempts: 5
run:
  max_parallel: 8
  default_timeout: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Root != "/srv/hatchery" {
		t.Errorf("root = %q", cfg.Paths.Root)
	}
	if cfg.CachePath() != "/fast-disk/hatchery-cache" {
		t.Errorf("cache path = %q, want explicit override", cfg.CachePath())
	}
	if cfg.RegistryPath() != filepath.Join("/srv/hatchery", "registry") {
		t.Errorf("registry path = %q, want root default", cfg.RegistryPath())
	}
	if cfg.Fetch.MaxAttempts != 5 || cfg.Run.MaxParallel != 8 {
		t.Errorf("fetch/run = %+v %+v", cfg.Fetch, cfg.Run)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", "/env/root")
	t.Setenv("HATCHERY_RETRIES", "7")
	t.Setenv("HATCHERY_PARALLEL", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Root != "/env/root" {
		t.Errorf("root = %q", cfg.Paths.Root)
	}
	if cfg.Fetch.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", cfg.Fetch.MaxAttempts)
	}
	if cfg.Run.MaxParallel != 2 {
		t.Errorf("max parallel = %d", cfg.Run.MaxParallel)
	}
}

func TestEnvironmentRejectsGarbage(t *testing.T) {
	t.Setenv("HATCHERY_RETRIES", "several")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric HATCHERY_RETRIES")
	}

	t.Setenv("HATCHERY_RETRIES", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero HATCHERY_RETRIES")
	}
}
