// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides hatchery's standard serialization: CBOR with
// Core Deterministic Encoding. Cache entries, registry records,
// package manifests, and cache-key material all go through this
// package so that encoding settings exist in exactly one place.
package codec
