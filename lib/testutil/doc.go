// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for hatchery
// packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with time.After fallback)
// so that individual tests do not need direct time.After calls. A
// test that would otherwise deadlock fails with a message instead of
// hanging the run.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no hatchery-internal dependencies.
package testutil
