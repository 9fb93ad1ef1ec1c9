// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks a Project for structural issues. Returns a list of
// human-readable issue descriptions. An empty list means the project
// is valid and a dependency graph can be built from it.
//
// Structural checks include:
//   - At least one step is required
//   - Each step must have a unique, non-empty Name
//   - Kind must be fetch, transform, or package
//   - Fetch steps must have a source URL and no script
//   - Fetch steps may only depend on other fetch steps
//   - Transform steps must have a script
//   - Package steps must have an artifact name and exactly one dependency
//   - A declared checksum must be "sha256:<hex>" or "blake3:<hex>"
//   - Every depends_on entry must name another step in the project
//   - Timeout (when present) must be parseable by time.ParseDuration
//
// Dependency cycles are not detected here; BuildGraph reports them.
func Validate(project *Project) []string {
	var issues []string

	if len(project.Steps) == 0 {
		issues = append(issues, "project has no steps (at least one step is required)")
	}

	// Step names must be unique across the project. Duplicate names
	// would make depends_on references and report entries ambiguous.
	stepNames := make(map[string]int, len(project.Steps))
	for index, step := range project.Steps {
		if step.Name != "" {
			if firstIndex, exists := stepNames[step.Name]; exists {
				issues = append(issues, fmt.Sprintf(
					"steps[%d] %q: duplicate step name (first used at steps[%d])",
					index, step.Name, firstIndex,
				))
			} else {
				stepNames[step.Name] = index
			}
		}
	}

	kinds := make(map[string]Kind, len(project.Steps))
	for _, step := range project.Steps {
		kinds[step.Name] = step.Kind
	}

	for index, step := range project.Steps {
		prefix := fmt.Sprintf("steps[%d]", index)
		issues = append(issues, validateStep(step, prefix, stepNames, kinds)...)
	}

	return issues
}

// validateStep checks a single step for structural issues. The prefix
// identifies the step's position (e.g., "steps[0]") for error
// messages.
func validateStep(step Step, prefix string, stepNames map[string]int, kinds map[string]Kind) []string {
	var issues []string

	if step.Name == "" {
		issues = append(issues, fmt.Sprintf("%s: name is required", prefix))
	} else {
		prefix = fmt.Sprintf("%s %q", prefix, step.Name)
	}

	switch step.Kind {
	case KindFetch:
		if step.Source == nil || step.Source.URL == "" {
			issues = append(issues, fmt.Sprintf("%s: fetch steps require a source URL", prefix))
		}
		if step.Source != nil && step.Source.Checksum != "" {
			if issue := validateChecksum(step.Source.Checksum); issue != "" {
				issues = append(issues, fmt.Sprintf("%s: %s", prefix, issue))
			}
		}
		if step.Script != "" {
			issues = append(issues, fmt.Sprintf("%s: script is not allowed on fetch steps", prefix))
		}
		if step.Artifact != nil {
			issues = append(issues, fmt.Sprintf("%s: artifact is not allowed on fetch steps", prefix))
		}
		for _, dependency := range step.DependsOn {
			if kind, exists := kinds[dependency]; exists && kind != KindFetch {
				issues = append(issues, fmt.Sprintf(
					"%s: fetch steps may only depend on other fetch steps (%q is a %s step)",
					prefix, dependency, kind,
				))
			}
		}

	case KindTransform:
		if step.Script == "" {
			issues = append(issues, fmt.Sprintf("%s: transform steps require a script", prefix))
		}
		if step.Source != nil {
			issues = append(issues, fmt.Sprintf("%s: source is not allowed on transform steps", prefix))
		}
		if step.Artifact != nil {
			issues = append(issues, fmt.Sprintf("%s: artifact is not allowed on transform steps", prefix))
		}

	case KindPackage:
		if step.Artifact == nil || step.Artifact.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: package steps require an artifact name", prefix))
		}
		if step.Artifact != nil && step.Artifact.Version < 0 {
			issues = append(issues, fmt.Sprintf("%s: artifact version must not be negative", prefix))
		}
		if step.Script != "" {
			issues = append(issues, fmt.Sprintf("%s: script is not allowed on package steps", prefix))
		}
		if step.Source != nil {
			issues = append(issues, fmt.Sprintf("%s: source is not allowed on package steps", prefix))
		}
		if len(step.DependsOn) != 1 {
			issues = append(issues, fmt.Sprintf(
				"%s: package steps require exactly one dependency (got %d)",
				prefix, len(step.DependsOn),
			))
		}

	case "":
		issues = append(issues, fmt.Sprintf("%s: kind is required (fetch, transform, or package)", prefix))

	default:
		issues = append(issues, fmt.Sprintf(
			"%s: unknown kind %q (expected fetch, transform, or package)",
			prefix, step.Kind,
		))
	}

	seen := make(map[string]bool, len(step.DependsOn))
	for _, dependency := range step.DependsOn {
		if dependency == step.Name {
			issues = append(issues, fmt.Sprintf("%s: step depends on itself", prefix))
			continue
		}
		if seen[dependency] {
			issues = append(issues, fmt.Sprintf("%s: duplicate dependency %q", prefix, dependency))
			continue
		}
		seen[dependency] = true
		if _, exists := stepNames[dependency]; !exists {
			issues = append(issues, fmt.Sprintf("%s: depends on unknown step %q", prefix, dependency))
		}
	}

	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid timeout %q: %v", prefix, step.Timeout, err))
		}
	}

	return issues
}

// validateChecksum checks the "algorithm:hex" form of a declared
// checksum. Returns an issue description, or "" if the checksum is
// well-formed.
func validateChecksum(checksum string) string {
	algorithm, value, found := strings.Cut(checksum, ":")
	if !found {
		return fmt.Sprintf("checksum %q must have the form \"algorithm:hex\"", checksum)
	}
	switch algorithm {
	case "sha256", "blake3":
	default:
		return fmt.Sprintf("unsupported checksum algorithm %q (expected sha256 or blake3)", algorithm)
	}
	for _, r := range value {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return fmt.Sprintf("checksum %q is not hexadecimal", checksum)
		}
	}
	if len(value) != 64 {
		return fmt.Sprintf("checksum %q has %d hex digits (expected 64)", checksum, len(value))
	}
	return ""
}
