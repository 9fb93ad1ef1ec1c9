// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"fmt"
	"os"
	"sort"

	"github.com/hatchery-project/hatchery/lib/codec"
	"github.com/hatchery-project/hatchery/lib/digest"
	"github.com/hatchery-project/hatchery/lib/pipeline"
)

// upstreamInput is one resolved upstream output feeding a step's
// cache key: the output name the step sees and the digest of the
// bytes behind it.
type upstreamInput struct {
	Name   string        `cbor:"name"`
	Digest digest.Digest `cbor:"digest"`
}

// keyMaterial is the canonical description of a step's exact inputs.
// Its deterministic CBOR encoding, hashed under the cache key domain,
// is the step's cache key. Any field change (a new script digest, a
// different upstream output, an edited source URL or checksum pin)
// produces a different key and forces re-execution; everything else
// (step renames, timeout changes, scheduling) leaves the key alone.
type keyMaterial struct {
	Kind     pipeline.Kind   `cbor:"kind"`
	URL      string          `cbor:"url,omitempty"`
	Checksum string          `cbor:"checksum,omitempty"`
	Script   digest.Digest   `cbor:"script,omitempty"`
	Args     []string        `cbor:"args,omitempty"`
	Artifact string          `cbor:"artifact,omitempty"`
	Inputs   []upstreamInput `cbor:"inputs,omitempty"`
}

func (m keyMaterial) key() (digest.Digest, error) {
	encoded, err := codec.Marshal(m)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("encoding key material: %w", err)
	}
	return digest.CacheKey(encoded), nil
}

// fetchKey derives a fetch step's cache key from the declared URL and
// checksum pin. The URL is used as written in the project file, not
// as resolved on this machine, so the same project produces the same
// keys regardless of where it is checked out.
func fetchKey(step pipeline.Step) (digest.Digest, error) {
	return keyMaterial{
		Kind:     pipeline.KindFetch,
		URL:      step.Source.URL,
		Checksum: step.Source.Checksum,
	}.key()
}

// transformKey derives a transform step's cache key from the script
// bytes, the arguments, and the digests of every upstream output,
// sorted by output name.
func transformKey(step pipeline.Step, scriptPath string, inputs []upstreamInput) (digest.Digest, error) {
	scriptBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("reading script %s: %w", scriptPath, err)
	}
	return keyMaterial{
		Kind:   pipeline.KindTransform,
		Script: digest.Blob(scriptBytes),
		Args:   step.Args,
		Inputs: sortedInputs(inputs),
	}.key()
}

// packageKey derives a package step's cache key from the artifact
// name and the digest of the single upstream output it registers.
func packageKey(step pipeline.Step, input upstreamInput) (digest.Digest, error) {
	return keyMaterial{
		Kind:     pipeline.KindPackage,
		Artifact: step.Artifact.Name,
		Inputs:   []upstreamInput{input},
	}.key()
}

func sortedInputs(inputs []upstreamInput) []upstreamInput {
	sorted := make([]upstreamInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted
}
