// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for hatchery
// commands.
//
// Configuration is loaded from a single YAML file specified by the
// --config flag. There is no automatic discovery and no fallback
// chain of dotfiles; a run is configured by its project file, at most
// one config file, and three environment variables (HATCHERY_ROOT,
// HATCHERY_RETRIES, HATCHERY_PARALLEL). Environment variables win
// over the file, flags win over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a hatchery command.
type Config struct {
	// Paths configures where persistent state lives.
	Paths PathsConfig `yaml:"paths"`

	// Fetch configures source retrieval.
	Fetch FetchConfig `yaml:"fetch"`

	// Run configures step execution.
	Run RunConfig `yaml:"run"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the data root. The cache and registry default to
	// subdirectories of it.
	Root string `yaml:"root"`

	// Cache overrides the cache store location.
	Cache string `yaml:"cache,omitempty"`

	// Registry overrides the registry location.
	Registry string `yaml:"registry,omitempty"`
}

// FetchConfig configures source retrieval.
type FetchConfig struct {
	// MaxAttempts bounds retries of transient download failures.
	MaxAttempts int `yaml:"max_attempts"`

	// RateLimit caps requests per second against remote sources.
	// Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// RunConfig configures step execution.
type RunConfig struct {
	// MaxParallel bounds concurrent step workers.
	MaxParallel int `yaml:"max_parallel"`

	// DefaultTimeout applies to steps that declare none, in
	// time.ParseDuration syntax. Empty means unbounded.
	DefaultTimeout string `yaml:"default_timeout,omitempty"`
}

// Default returns the built-in configuration: data under
// ~/.hatchery, three fetch attempts, four workers.
func Default() *Config {
	root := ".hatchery"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".hatchery")
	}
	return &Config{
		Paths: PathsConfig{Root: root},
		Fetch: FetchConfig{MaxAttempts: 3},
		Run:   RunConfig{MaxParallel: 4},
	}
}

// Load reads a YAML config file over the defaults and applies
// environment overrides. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays the HATCHERY_* variables.
func (c *Config) applyEnvironment() error {
	if root := os.Getenv("HATCHERY_ROOT"); root != "" {
		c.Paths.Root = root
	}
	if retries := os.Getenv("HATCHERY_RETRIES"); retries != "" {
		parsed, err := strconv.Atoi(retries)
		if err != nil || parsed < 1 {
			return fmt.Errorf("HATCHERY_RETRIES=%q: want a positive integer", retries)
		}
		c.Fetch.MaxAttempts = parsed
	}
	if parallel := os.Getenv("HATCHERY_PARALLEL"); parallel != "" {
		parsed, err := strconv.Atoi(parallel)
		if err != nil || parsed < 1 {
			return fmt.Errorf("HATCHERY_PARALLEL=%q: want a positive integer", parallel)
		}
		c.Run.MaxParallel = parsed
	}
	return nil
}

// CachePath returns the configured cache store directory.
func (c *Config) CachePath() string {
	if c.Paths.Cache != "" {
		return c.Paths.Cache
	}
	return filepath.Join(c.Paths.Root, "cache")
}

// RegistryPath returns the configured registry directory.
func (c *Config) RegistryPath() string {
	if c.Paths.Registry != "" {
		return c.Paths.Registry
	}
	return filepath.Join(c.Paths.Root, "registry")
}
