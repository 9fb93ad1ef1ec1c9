// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Project. The caller is responsible for
// setting Root; ParseFile does both.
func Parse(data []byte) (*Project, error) {
	stripped := jsonc.ToJSON(data)

	var project Project
	if err := json.Unmarshal(stripped, &project); err != nil {
		return nil, fmt.Errorf("parsing project: %w", err)
	}

	normalize(&project)
	return &project, nil
}

// ParseFile reads a JSONC project file from disk, parses it, and sets
// the project root to the file's directory. Returns a descriptive
// error if the file cannot be read or the JSON is malformed.
func ParseFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	project, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	project.Root = filepath.Dir(absolute)

	if project.Name == "" {
		project.Name = NameFromPath(path)
	}

	return project, nil
}

// NameFromPath extracts a project name from a file path by stripping
// the directory prefix and the file extension. For example,
// "projects/census/census.jsonc" returns "census".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}

// normalize fills in per-step defaults that validation and execution
// rely on: a step with no declared output name exposes its output
// under its own name.
func normalize(project *Project) {
	for index := range project.Steps {
		if project.Steps[index].Output == "" {
			project.Steps[index].Output = project.Steps[index].Name
		}
	}
}
