// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline defines hatchery project files: the declared steps
// of a data pipeline, their dependency graph, and the structural
// validation that runs before anything executes.
//
// Projects are authored on disk as JSONC (JSON extended with comments
// and trailing commas). Every path in a project file is relative to
// the project root — the directory containing the file — and no
// component ever infers a location from the process working
// directory.
package pipeline

import "path/filepath"

// Kind classifies a step.
type Kind string

const (
	// KindFetch retrieves raw data from an external source.
	KindFetch Kind = "fetch"

	// KindTransform runs a deterministic script over upstream outputs.
	KindTransform Kind = "transform"

	// KindPackage registers its single upstream output as a versioned
	// artifact.
	KindPackage Kind = "package"
)

// Project is one named pipeline configuration: a set of declared
// steps plus the storage locations they share.
type Project struct {
	// Name identifies the project in logs and reports. Defaults to
	// the base name of the project file.
	Name string `json:"name"`

	// Root is the directory containing the project file. Set by
	// ParseFile; every relative path in the project resolves against
	// it.
	Root string `json:"-"`

	// Cache is the cache store directory. Relative paths resolve
	// against Root; empty selects the data root default.
	Cache string `json:"cache,omitempty"`

	// Registry is the registry directory. Relative paths resolve
	// against Root; empty selects the data root default.
	Registry string `json:"registry,omitempty"`

	// Steps are the declared units of work.
	Steps []Step `json:"steps"`
}

// SourceSpec declares where a fetch step's data comes from.
type SourceSpec struct {
	// URL is an http(s):// or file:// URL, or a filesystem path
	// relative to the project root.
	URL string `json:"url"`

	// Checksum optionally pins the content ("sha256:<hex>" or
	// "blake3:<hex>"). A declared checksum participates in the step's
	// cache key, so changing the pin forces a re-fetch.
	Checksum string `json:"checksum,omitempty"`
}

// ArtifactSpec declares what a package step registers.
type ArtifactSpec struct {
	// Name is the artifact name in the registry. May be hierarchical
	// ("weather/daily").
	Name string `json:"name"`

	// Version requests an explicit version number; zero lets the
	// registry allocate the next one.
	Version int `json:"version,omitempty"`
}

// Step is one declared unit of work. A step's identity for caching is
// derived from its content (source, script bytes, upstream outputs),
// not from its name: editing a script changes the step's cache key on
// the next run.
type Step struct {
	// Name uniquely identifies the step within the project.
	Name string `json:"name"`

	// Kind is fetch, transform, or package.
	Kind Kind `json:"kind"`

	// Script is the transform script path, relative to the project
	// root. Transform steps only.
	Script string `json:"script,omitempty"`

	// Args are extra arguments passed to the script.
	Args []string `json:"args,omitempty"`

	// Source is the fetch source. Fetch steps only.
	Source *SourceSpec `json:"source,omitempty"`

	// DependsOn names the steps whose outputs this step consumes.
	DependsOn []string `json:"depends_on,omitempty"`

	// Output names this step's output for downstream consumption.
	// Defaults to the step name.
	Output string `json:"output,omitempty"`

	// Timeout bounds the step's execution ("90s", "10m"). Empty
	// means the runner's default.
	Timeout string `json:"timeout,omitempty"`

	// Artifact is what a package step registers. Package steps only.
	Artifact *ArtifactSpec `json:"artifact,omitempty"`
}

// ScriptPath resolves the step's script against the project root.
func (s Step) ScriptPath(root string) string {
	if s.Script == "" || filepath.IsAbs(s.Script) {
		return s.Script
	}
	return filepath.Join(root, s.Script)
}
