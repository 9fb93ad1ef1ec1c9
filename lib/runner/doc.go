// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes hatchery pipelines: it walks a validated
// dependency graph, computes a cache key per step from that step's
// exact inputs, skips steps whose keys are already cached, and runs
// the rest on a bounded pool of workers.
//
// A step failure never aborts the run. The failed step and its
// transitive dependents are marked and every independent branch of
// the graph continues. The returned Report enumerates the final state
// of every step; callers decide what a partial run means for them.
//
// The runner itself holds no mutable state between steps. Everything
// a step produces lives in the cache store, everything it registers
// lives in the registry, and both of those are safe under concurrent
// runners in separate processes.
package runner
