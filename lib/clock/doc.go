// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. Real() wraps the
// standard time package; Fake() gives tests deterministic control over
// backoff timing and timestamps without real sleeps.
package clock
