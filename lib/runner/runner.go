// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/clock"
	"github.com/hatchery-project/hatchery/lib/codec"
	"github.com/hatchery-project/hatchery/lib/digest"
	"github.com/hatchery-project/hatchery/lib/fetch"
	"github.com/hatchery-project/hatchery/lib/pipeline"
	"github.com/hatchery-project/hatchery/lib/registry"
	"github.com/hatchery-project/hatchery/lib/transform"
)

// DefaultMaxParallel bounds concurrent step execution when Options
// does not say otherwise.
const DefaultMaxParallel = 4

// InvalidProjectError reports structural issues found before any
// execution. Issues are the messages from pipeline.Validate.
type InvalidProjectError struct {
	Issues []string
}

func (e *InvalidProjectError) Error() string {
	return fmt.Sprintf("invalid project: %s", strings.Join(e.Issues, "; "))
}

// Options select what a run executes and how.
type Options struct {
	// Kinds restricts execution to steps of these kinds plus their
	// transitive dependencies. Empty means the full graph.
	Kinds []pipeline.Kind

	// Refresh discards cached fetch results so sources are retrieved
	// again. Transform and package caching is unaffected except where
	// refreshed content changes downstream keys.
	Refresh bool

	// Override resolves registry version conflicts by allocating a
	// fresh version number instead of failing the package step.
	Override bool

	// MaxParallel bounds concurrent step workers. Zero means
	// DefaultMaxParallel.
	MaxParallel int

	// DefaultTimeout applies to steps with no declared timeout. Zero
	// means unbounded.
	DefaultTimeout time.Duration
}

// Runner executes pipelines against a cache store and registry. Zero
// or nil fields other than Cache and Registry select defaults.
type Runner struct {
	Cache    *cachestore.Store
	Registry *registry.Store

	// Fetcher retrieves fetch step sources. Nil means a default
	// Fetcher over Cache.
	Fetcher *fetch.Fetcher

	// Transformer runs transform scripts. Nil means a default Runner
	// over Cache.
	Transformer *transform.Runner

	Logger *slog.Logger
	Clock  clock.Clock
}

// packageManifest is the blob a package step stores in the cache: a
// durable record of what was registered and where the content lives.
type packageManifest struct {
	Artifact       string        `cbor:"artifact"`
	ContentDigest  digest.Digest `cbor:"content_digest"`
	SourceCacheKey digest.Digest `cbor:"source_cache_key"`
	Size           int64         `cbor:"size"`
}

// stepOutput is what a completed step hands to its dependents.
type stepOutput struct {
	// name is the step's declared output name.
	name string

	// key is the cache key under which the output is stored.
	key digest.Digest

	entry cachestore.Entry
}

// outcome travels from a worker back to the scheduler.
type outcome struct {
	step            string
	status          Status
	key             digest.Digest
	output          stepOutput
	artifactName    string
	artifactVersion int
	err             error
}

// Run validates the project, builds its dependency graph, and
// executes the selected steps. A *InvalidProjectError or
// *pipeline.CycleError means nothing ran. Otherwise the Report
// accounts for every selected step; step failures live in the Report,
// not in the returned error. The error is non-nil only when the run
// itself could not proceed (invalid project, cycle, cancelled
// context).
func (r *Runner) Run(ctx context.Context, project *pipeline.Project, opts Options) (*Report, error) {
	if issues := pipeline.Validate(project); len(issues) > 0 {
		return nil, &InvalidProjectError{Issues: issues}
	}
	graph, err := pipeline.BuildGraph(project)
	if err != nil {
		return nil, err
	}
	if len(opts.Kinds) > 0 {
		graph = graph.Restrict(opts.Kinds...)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.Real()
	}
	fetcher := r.Fetcher
	if fetcher == nil {
		fetcher = &fetch.Fetcher{Cache: r.Cache, Logger: logger, Clock: clk}
	}
	transformer := r.Transformer
	if transformer == nil {
		transformer = &transform.Runner{Cache: r.Cache, Logger: logger}
	}
	parallel := opts.MaxParallel
	if parallel <= 0 {
		parallel = DefaultMaxParallel
	}

	report := &Report{
		Project: project.Name,
		Steps:   make(map[string]*StepResult, len(graph.Steps)),
		Order:   graph.Order,
	}
	for name, step := range graph.Steps {
		report.Steps[name] = &StepResult{Name: name, Kind: step.Kind, Status: StatusPending}
	}

	run := &execution{
		runner:      r,
		fetcher:     fetcher,
		transformer: transformer,
		logger:      logger.With("project", project.Name),
		clock:       clk,
		project:     project,
		graph:       graph,
		opts:        opts,
		report:      report,
		outputs:     make(map[string]stepOutput, len(graph.Steps)),
		results:     make(chan outcome),
	}
	return report, run.schedule(ctx, parallel)
}

// execution is the mutable state of one run. Only the scheduler
// goroutine touches it; workers communicate through the results
// channel.
type execution struct {
	runner      *Runner
	fetcher     *fetch.Fetcher
	transformer *transform.Runner
	logger      *slog.Logger
	clock       clock.Clock
	project     *pipeline.Project
	graph       *pipeline.Graph
	opts        Options
	report      *Report
	outputs     map[string]stepOutput
	results     chan outcome
}

// schedule drives the graph to completion: it keeps up to parallel
// workers busy with ready steps, applies each outcome as it arrives,
// and blocks the transitive dependents of failures. It returns the
// context error if the run was cancelled, after in-flight workers
// have finished.
func (e *execution) schedule(ctx context.Context, parallel int) error {
	indegree := make(map[string]int, len(e.graph.Steps))
	var ready []string
	for _, name := range e.graph.Order {
		indegree[name] = len(e.graph.Dependencies[name])
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	terminal := 0
	running := 0
	cancelled := false

	for terminal < len(e.graph.Steps) {
		for !cancelled && running < parallel && len(ready) > 0 {
			name := ready[0]
			ready = ready[1:]
			e.report.Steps[name].Status = StatusRunning
			running++
			go e.executeStep(ctx, name)
		}

		if running == 0 {
			// Nothing in flight and nothing launchable: the rest of
			// the graph is unreachable (cancellation mid-run).
			break
		}

		select {
		case result := <-e.results:
			running--
			terminal++
			unblocked := e.apply(result)
			ready = append(ready, unblocked...)
			sort.Strings(ready)
			terminal += len(e.blockDependents(result))
		case <-ctx.Done():
			cancelled = true
			// Drain in-flight workers; they observe the same context
			// and abort at their next checkpoint.
			for running > 0 {
				result := <-e.results
				running--
				terminal++
				e.apply(result)
				terminal += len(e.blockDependents(result))
			}
		}
	}

	if cancelled {
		return ctx.Err()
	}
	return nil
}

// apply records a worker's outcome in the report and, on success,
// publishes the step's output and returns newly unblocked dependents.
func (e *execution) apply(result outcome) []string {
	step := e.report.Steps[result.step]
	step.Status = result.status
	step.CacheKey = result.key
	step.Err = result.err
	step.ArtifactName = result.artifactName
	step.ArtifactVersion = result.artifactVersion

	if result.status != StatusSuccess && result.status != StatusSkipped {
		return nil
	}
	step.Output = result.output.entry.BlobDigest
	e.outputs[result.step] = result.output

	var unblocked []string
	for _, dependent := range e.graph.Dependents[result.step] {
		if e.report.Steps[dependent].Status != StatusPending {
			continue
		}
		remaining := 0
		for _, dependency := range e.graph.Dependencies[dependent] {
			if _, done := e.outputs[dependency]; !done {
				remaining++
			}
		}
		if remaining == 0 {
			unblocked = append(unblocked, dependent)
		}
	}
	return unblocked
}

// blockDependents marks every still-pending transitive dependent of a
// failed step as Blocked and returns their names. No-op for
// successful outcomes.
func (e *execution) blockDependents(result outcome) []string {
	if result.status != StatusFailed {
		return nil
	}
	var blocked []string
	var visit func(name string)
	visit = func(name string) {
		for _, dependent := range e.graph.Dependents[name] {
			if e.report.Steps[dependent].Status != StatusPending {
				continue
			}
			e.report.Steps[dependent].Status = StatusBlocked
			blocked = append(blocked, dependent)
			visit(dependent)
		}
	}
	visit(result.step)
	return blocked
}

// executeStep runs one step on a worker goroutine and reports the
// outcome. The timing and cache-hit bookkeeping is shared; the
// per-kind work lives in runFetch, runTransform, and runPackage.
func (e *execution) executeStep(ctx context.Context, name string) {
	step := e.graph.Steps[name]
	started := e.clock.Now()

	result := e.runStep(ctx, step)
	result.step = name

	finished := e.clock.Now()
	e.report.Steps[name].Started = started
	e.report.Steps[name].Finished = finished

	level := slog.LevelInfo
	if result.status == StatusFailed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "step finished",
		"step", name,
		"kind", string(step.Kind),
		"status", string(result.status),
		"duration", finished.Sub(started),
		"error", result.err,
	)

	e.results <- result
}

func (e *execution) runStep(ctx context.Context, step pipeline.Step) outcome {
	timeout := e.opts.DefaultTimeout
	if step.Timeout != "" {
		parsed, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return outcome{status: StatusFailed, err: fmt.Errorf("invalid timeout: %w", err)}
		}
		timeout = parsed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch step.Kind {
	case pipeline.KindFetch:
		return e.runFetch(ctx, step)
	case pipeline.KindTransform:
		return e.runTransform(ctx, step)
	case pipeline.KindPackage:
		return e.runPackage(ctx, step)
	default:
		return outcome{status: StatusFailed, err: fmt.Errorf("unknown step kind %q", step.Kind)}
	}
}

func (e *execution) runFetch(ctx context.Context, step pipeline.Step) outcome {
	key, err := fetchKey(step)
	if err != nil {
		return outcome{status: StatusFailed, err: err}
	}

	if e.opts.Refresh {
		if err := e.runner.Cache.Purge(key); err != nil && !errors.Is(err, cachestore.ErrNotFound) {
			return outcome{status: StatusFailed, key: key, err: fmt.Errorf("refreshing cache entry: %w", err)}
		}
	} else if entry, err := e.runner.Cache.Stat(key); err == nil {
		return outcome{
			status: StatusSkipped,
			key:    key,
			output: stepOutput{name: step.Output, key: key, entry: entry},
		}
	} else if !errors.Is(err, cachestore.ErrNotFound) {
		return outcome{status: StatusFailed, key: key, err: err}
	}

	source := fetch.Source{URL: e.resolveURL(step.Source.URL), Checksum: step.Source.Checksum}
	entry, err := e.fetcher.Fetch(ctx, source, key)
	if err != nil {
		return outcome{status: StatusFailed, key: key, err: err}
	}
	return outcome{
		status: StatusSuccess,
		key:    key,
		output: stepOutput{name: step.Output, key: key, entry: entry},
	}
}

func (e *execution) runTransform(ctx context.Context, step pipeline.Step) outcome {
	upstream, inputs := e.collectInputs(step)

	scriptPath := step.ScriptPath(e.project.Root)
	key, err := transformKey(step, scriptPath, upstream)
	if err != nil {
		return outcome{status: StatusFailed, err: err}
	}

	if entry, err := e.runner.Cache.Stat(key); err == nil {
		return outcome{
			status: StatusSkipped,
			key:    key,
			output: stepOutput{name: step.Output, key: key, entry: entry},
		}
	} else if !errors.Is(err, cachestore.ErrNotFound) {
		return outcome{status: StatusFailed, key: key, err: err}
	}

	script := transform.Script{Path: scriptPath, Args: step.Args}
	entry, err := e.transformer.Transform(ctx, script, inputs, key)
	if err != nil {
		return outcome{status: StatusFailed, key: key, err: err}
	}
	return outcome{
		status: StatusSuccess,
		key:    key,
		output: stepOutput{name: step.Output, key: key, entry: entry},
	}
}

// runPackage registers the step's single upstream output as a
// versioned artifact and caches a manifest describing the
// registration. A cached manifest means the same content was already
// packaged under this artifact name; the existing version is looked
// up and reported without touching the registry.
func (e *execution) runPackage(ctx context.Context, step pipeline.Step) outcome {
	source := e.outputs[step.DependsOn[0]]
	input := upstreamInput{Name: source.name, Digest: source.entry.BlobDigest}

	key, err := packageKey(step, input)
	if err != nil {
		return outcome{status: StatusFailed, err: err}
	}

	if _, err := e.runner.Cache.Stat(key); err == nil {
		version, found := e.runner.Registry.FindByDigest(step.Artifact.Name, source.entry.BlobDigest)
		if !found {
			return outcome{status: StatusFailed, key: key, err: fmt.Errorf(
				"artifact %q has a cached packaging manifest but no registry entry for digest %s",
				step.Artifact.Name, digest.Short(source.entry.BlobDigest),
			)}
		}
		return outcome{
			status:          StatusSkipped,
			key:             key,
			output:          stepOutput{name: step.Output, key: source.key, entry: source.entry},
			artifactName:    step.Artifact.Name,
			artifactVersion: version.Version,
		}
	} else if !errors.Is(err, cachestore.ErrNotFound) {
		return outcome{status: StatusFailed, key: key, err: err}
	}

	if err := ctx.Err(); err != nil {
		return outcome{status: StatusFailed, key: key, err: err}
	}

	// The content may already be registered without a manifest (a
	// crash between registration and the manifest commit). Reuse that
	// version instead of allocating a duplicate number for identical
	// content.
	version := 0
	existing, found := e.runner.Registry.FindByDigest(step.Artifact.Name, source.entry.BlobDigest)
	switch {
	case found && (step.Artifact.Version == 0 || step.Artifact.Version == existing.Version):
		version = existing.Version
	default:
		registered, err := e.runner.Registry.Register(step.Artifact.Name, registry.Candidate{
			Digest:         source.entry.BlobDigest,
			SourceCacheKey: source.key,
			Size:           source.entry.Size,
			Version:        step.Artifact.Version,
			Override:       e.opts.Override,
		})
		if err != nil {
			return outcome{status: StatusFailed, key: key, err: err}
		}
		version = registered
	}

	manifest, err := codec.Marshal(packageManifest{
		Artifact:       step.Artifact.Name,
		ContentDigest:  source.entry.BlobDigest,
		SourceCacheKey: source.key,
		Size:           source.entry.Size,
	})
	if err != nil {
		return outcome{status: StatusFailed, key: key, err: err}
	}
	if _, _, err := e.runner.Cache.PutIfAbsent(key, manifest); err != nil {
		return outcome{status: StatusFailed, key: key, err: err}
	}

	return outcome{
		status:          StatusSuccess,
		key:             key,
		output:          stepOutput{name: step.Output, key: source.key, entry: source.entry},
		artifactName:    step.Artifact.Name,
		artifactVersion: version,
	}
}

// collectInputs gathers a step's upstream outputs in two shapes: the
// digest list feeding the cache key and the cache references the
// transform executor materializes.
func (e *execution) collectInputs(step pipeline.Step) ([]upstreamInput, []transform.Input) {
	upstream := make([]upstreamInput, 0, len(step.DependsOn))
	inputs := make([]transform.Input, 0, len(step.DependsOn))
	for _, dependency := range step.DependsOn {
		output := e.outputs[dependency]
		upstream = append(upstream, upstreamInput{Name: output.name, Digest: output.entry.BlobDigest})
		inputs = append(inputs, transform.Input{Name: output.name, Key: output.key})
	}
	return upstream, inputs
}

// resolveURL resolves bare relative paths against the project root.
// Real URLs and absolute paths pass through untouched.
func (e *execution) resolveURL(raw string) string {
	if strings.Contains(raw, "://") || filepath.IsAbs(raw) {
		return raw
	}
	return filepath.Join(e.project.Root, raw)
}
