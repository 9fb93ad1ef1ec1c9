// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/config"
	"github.com/hatchery-project/hatchery/lib/fetch"
	"github.com/hatchery-project/hatchery/lib/pipeline"
	"github.com/hatchery-project/hatchery/lib/registry"
	"github.com/hatchery-project/hatchery/lib/runner"
)

// commonFlags are the flags every store-touching subcommand accepts.
type commonFlags struct {
	project    string
	configPath string
	verbose    bool
}

func (f *commonFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.project, "project", "hatchery.jsonc", "path to the project file")
	flags.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flags.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
}

// environment is everything a subcommand needs once flags are parsed:
// resolved configuration, opened stores, and a structured logger.
type environment struct {
	config   *config.Config
	logger   *slog.Logger
	cache    *cachestore.Store
	registry *registry.Store
}

// setup loads configuration and opens the cache and registry. Store
// locations come from the config (or its HATCHERY_* overrides) unless
// the project file sets its own; the caller applies those via
// projectPaths before opening when it has a parsed project.
func setup(f *commonFlags, cachePath, registryPath string) (*environment, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, &exitError{code: exitConfiguration, message: err.Error()}
	}

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cachePath == "" {
		cachePath = cfg.CachePath()
	}
	if registryPath == "" {
		registryPath = cfg.RegistryPath()
	}

	cache, err := cachestore.Open(cachePath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	reg, err := registry.Open(registryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	return &environment{config: cfg, logger: logger, cache: cache, registry: reg}, nil
}

// storePathOverrides parses the project file named by --project and
// returns its cache/registry overrides. Read-only commands (resolve,
// artifacts, purge) honor a project-local store layout through this;
// an unreadable or absent project file just falls back to the config
// paths, since those commands can operate without a project.
func storePathOverrides(projectPath string) (string, string) {
	project, err := pipeline.ParseFile(projectPath)
	if err != nil {
		return "", ""
	}
	return projectPaths(project.Root, project.Cache, project.Registry)
}

// projectPaths resolves a project's optional cache and registry
// overrides against its root. Empty overrides yield empty strings so
// setup falls back to the config.
func projectPaths(root, cache, reg string) (string, string) {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(root, path)
	}
	return resolve(cache), resolve(reg)
}

// buildRunner assembles a runner over the environment's stores with
// the config's fetch policy applied.
func (e *environment) buildRunner() *runner.Runner {
	fetcher := &fetch.Fetcher{
		Cache:       e.cache,
		Logger:      e.logger,
		MaxAttempts: e.config.Fetch.MaxAttempts,
	}
	if e.config.Fetch.RateLimit > 0 {
		fetcher.Limiter = rate.NewLimiter(rate.Limit(e.config.Fetch.RateLimit), 1)
	}
	return &runner.Runner{
		Cache:    e.cache,
		Registry: e.registry,
		Fetcher:  fetcher,
		Logger:   e.logger,
	}
}

// runOptions translates config and per-command flags into runner
// options.
func (e *environment) runOptions(refresh, override bool, parallel int) (runner.Options, error) {
	opts := runner.Options{
		Refresh:     refresh,
		Override:    override,
		MaxParallel: e.config.Run.MaxParallel,
	}
	if parallel > 0 {
		opts.MaxParallel = parallel
	}
	if e.config.Run.DefaultTimeout != "" {
		timeout, err := time.ParseDuration(e.config.Run.DefaultTimeout)
		if err != nil {
			return opts, &exitError{
				code:    exitConfiguration,
				message: fmt.Sprintf("config default_timeout: %v", err),
			}
		}
		opts.DefaultTimeout = timeout
	}
	return opts, nil
}
