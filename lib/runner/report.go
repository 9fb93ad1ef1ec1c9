// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hatchery-project/hatchery/lib/digest"
	"github.com/hatchery-project/hatchery/lib/pipeline"
)

// Status is a step's position in its lifecycle. Pending and Running
// are transient; the other four are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"

	// StatusSuccess means the step executed and committed its output.
	StatusSuccess Status = "success"

	// StatusSkipped means the step's cache key was already present,
	// so its existing output was reused without execution.
	StatusSkipped Status = "skipped"

	// StatusFailed means the step executed and returned an error,
	// including timeouts.
	StatusFailed Status = "failed"

	// StatusBlocked means an upstream dependency failed, so the step
	// never ran.
	StatusBlocked Status = "blocked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusSkipped, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// StepResult is the final record of one step in a run.
type StepResult struct {
	Name   string
	Kind   pipeline.Kind
	Status Status

	// CacheKey identifies the step's inputs. Zero when the step never
	// got far enough to compute one (blocked steps).
	CacheKey digest.Digest

	// Output is the digest of the step's output blob. Set on Success
	// and Skipped.
	Output digest.Digest

	Started  time.Time
	Finished time.Time

	// Err is the step's failure, nil unless Status is Failed.
	Err error

	// ArtifactName and ArtifactVersion record what a package step
	// registered (or found already registered). Version is zero for
	// non-package steps.
	ArtifactName    string
	ArtifactVersion int
}

// Duration is the step's wall-clock execution time, zero for steps
// that never ran.
func (r *StepResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Report is the outcome of a run: one StepResult per step in the
// executed graph, in topological order.
type Report struct {
	Project string
	Steps   map[string]*StepResult

	// Order lists step names in the order the graph was walked.
	Order []string
}

// Succeeded reports whether every step finished Success or Skipped.
func (r *Report) Succeeded() bool {
	for _, step := range r.Steps {
		if step.Status != StatusSuccess && step.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// Failed returns the names of steps with status Failed, sorted.
func (r *Report) Failed() []string {
	var names []string
	for name, step := range r.Steps {
		if step.Status == StatusFailed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Summary renders a one-line-per-step account of the run, in graph
// order, suitable for terminal output.
func (r *Report) Summary() string {
	var builder strings.Builder
	for _, name := range r.Order {
		step := r.Steps[name]
		fmt.Fprintf(&builder, "%-8s %s", step.Status, name)
		switch {
		case step.Status == StatusFailed && step.Err != nil:
			fmt.Fprintf(&builder, ": %v", step.Err)
		case step.Status == StatusSuccess && step.ArtifactName != "":
			fmt.Fprintf(&builder, " (registered %s@%d)", step.ArtifactName, step.ArtifactVersion)
		case step.Status == StatusSkipped && step.ArtifactName != "":
			fmt.Fprintf(&builder, " (already registered %s@%d)", step.ArtifactName, step.ArtifactVersion)
		case step.Status == StatusSuccess:
			fmt.Fprintf(&builder, " (%s)", step.Duration().Round(time.Millisecond))
		}
		builder.WriteByte('\n')
	}
	return builder.String()
}
