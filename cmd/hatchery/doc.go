// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Command hatchery runs reproducible data pipelines: fetch raw
// sources, transform them with deterministic scripts, and register
// the results as versioned immutable artifacts.
//
//	hatchery getdata            fetch declared sources into the cache
//	hatchery usedata            run transforms (fetching what they miss)
//	hatchery run                full pipeline including registration
//	hatchery install            alias for run
//	hatchery validate           check the project file without executing
//	hatchery artifacts          list registered artifacts
//	hatchery resolve NAME[@V]   write an artifact's content to stdout
//	hatchery purge KEY          drop a cache entry (corruption recovery)
//	hatchery version            print the build version
//
// Exit codes: 0 on success, 1 when any step fails, 2 for
// configuration errors (unreadable project file, validation issues,
// dependency cycles).
package main
