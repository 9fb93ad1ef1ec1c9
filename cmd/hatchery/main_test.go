// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

// writeProject lays out a runnable single-chain project in its own
// directory and returns the project file path.
func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, "data.csv"), []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntr 'a-z' 'A-Z' < \"$HATCHERY_INPUT_RAW\" > \"$HATCHERY_OUTPUT\"\n"
	if err := os.WriteFile(filepath.Join(root, "clean.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	project := `{
		"name": "cli-test",
		"steps": [
			{"name": "download", "kind": "fetch", "source": {"url": "data.csv"}, "output": "raw"},
			{"name": "clean", "kind": "transform", "script": "clean.sh", "depends_on": ["download"]},
			{"name": "publish", "kind": "package", "depends_on": ["clean"], "artifact": {"name": "cli/test"}},
		],
	}`
	path := filepath.Join(root, "hatchery.jsonc")
	if err := os.WriteFile(path, []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCommandEndToEnd(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", t.TempDir())
	project := writeProject(t)

	if code := run([]string{"validate", "--project", project}); code != exitSuccess {
		t.Fatalf("validate exit = %d", code)
	}
	if code := run([]string{"run", "--project", project}); code != exitSuccess {
		t.Fatalf("run exit = %d", code)
	}

	output := filepath.Join(t.TempDir(), "resolved.csv")
	if code := run([]string{"resolve", "cli/test@latest", "--output", output}); code != exitSuccess {
		t.Fatalf("resolve exit = %d", code)
	}
	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "A,B\n1,2\n" {
		t.Errorf("resolved content = %q", content)
	}
}

func TestResolveHonorsProjectLocalStores(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", t.TempDir())
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, "data.csv"), []byte("x,y\n3,4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ncat \"$HATCHERY_INPUT_RAW\" > \"$HATCHERY_OUTPUT\"\n"
	if err := os.WriteFile(filepath.Join(root, "copy.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	project := `{
		"name": "local-stores",
		"cache": "stores/cache",
		"registry": "stores/registry",
		"steps": [
			{"name": "download", "kind": "fetch", "source": {"url": "data.csv"}, "output": "raw"},
			{"name": "copy", "kind": "transform", "script": "copy.sh", "depends_on": ["download"]},
			{"name": "publish", "kind": "package", "depends_on": ["copy"], "artifact": {"name": "local/data"}},
		],
	}`
	path := filepath.Join(root, "hatchery.jsonc")
	if err := os.WriteFile(path, []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := run([]string{"run", "--project", path}); code != exitSuccess {
		t.Fatalf("run exit = %d", code)
	}

	// The registry lives under the project root, not HATCHERY_ROOT;
	// the consumer commands must look in the same place the run wrote.
	output := filepath.Join(t.TempDir(), "out.csv")
	if code := run([]string{"resolve", "local/data", "--project", path, "--output", output}); code != exitSuccess {
		t.Fatalf("resolve exit = %d", code)
	}
	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "x,y\n3,4\n" {
		t.Errorf("resolved content = %q", content)
	}

	if code := run([]string{"artifacts", "--project", path}); code != exitSuccess {
		t.Errorf("artifacts exit = %d", code)
	}
}

func TestRunCommandFailingStep(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", t.TempDir())
	project := writeProject(t)

	// Break the source file; getdata should exit 1.
	if err := os.Remove(filepath.Join(filepath.Dir(project), "data.csv")); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"getdata", "--project", project}); code != exitStepFailure {
		t.Errorf("getdata exit = %d, want %d", code, exitStepFailure)
	}
}

func TestValidateRejectsBrokenProject(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", t.TempDir())
	root := t.TempDir()
	path := filepath.Join(root, "hatchery.jsonc")
	broken := `{"steps": [{"name": "x", "kind": "transform"}]}`
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"validate", "--project", path}); code != exitConfiguration {
		t.Errorf("validate exit = %d, want %d", code, exitConfiguration)
	}
}

func TestUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != exitConfiguration {
		t.Errorf("unknown command exit = %d, want %d", code, exitConfiguration)
	}
}

func TestResolveMissingArtifact(t *testing.T) {
	t.Setenv("HATCHERY_ROOT", t.TempDir())
	if code := run([]string{"resolve", "nobody/home"}); code != exitStepFailure {
		t.Errorf("resolve exit = %d, want %d", code, exitStepFailure)
	}
}
