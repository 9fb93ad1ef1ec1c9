// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package transform executes declared, deterministic scripts against
// cached input blobs and commits their output back to the cache.
//
// A script runs in a scratch directory with its resolved inputs
// materialized as files. The contract with the script is three
// environment variables:
//
//	HATCHERY_OUTPUT        path the script must write its result to
//	HATCHERY_INPUT_<NAME>  path of each declared input blob
//	HATCHERY_WORKDIR       the scratch directory (also the cwd)
//
// Script failures are never retried: transforms are declared
// deterministic, so a second run of the same script over the same
// inputs would fail identically.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/digest"
)

// diagnosticLimit bounds the stderr tail carried in a ScriptError.
// Enough to show a stack trace without dragging megabytes of log spew
// into the run report.
const diagnosticLimit = 4096

// Script identifies the executable a transform step runs.
type Script struct {
	// Path is the script file, resolved against the project root by
	// the caller. The file must be executable.
	Path string

	// Args are passed to the script after its own name.
	Args []string
}

// Input is one resolved upstream output handed to a script.
type Input struct {
	// Name is the upstream step's declared output name; it becomes
	// the HATCHERY_INPUT_<NAME> variable.
	Name string

	// Key is the cache key of the upstream output.
	Key digest.Digest
}

// ScriptError reports a script that exited non-zero, produced no
// output, or was killed by a timeout. It carries the script identity
// and a stderr-tail diagnostic. Always fatal for the step.
type ScriptError struct {
	// Script is the script path as declared.
	Script string

	// ExitCode is the script's exit status, or -1 when the process
	// was killed or never produced a status.
	ExitCode int

	// Diagnostic is the tail of the script's stderr, or a description
	// of the failure when the script itself did not report one.
	Diagnostic string
}

func (e *ScriptError) Error() string {
	message := fmt.Sprintf("transform script %s failed (exit %d)", e.Script, e.ExitCode)
	if e.Diagnostic != "" {
		message += ": " + e.Diagnostic
	}
	return message
}

// Runner executes transform scripts against a cache store.
type Runner struct {
	// Cache resolves input blobs and receives outputs. Required.
	Cache *cachestore.Store

	// Logger receives execution records. Defaults to slog.Default().
	Logger *slog.Logger

	// WorkRoot hosts per-execution scratch directories. Defaults to
	// the system temp directory.
	WorkRoot string
}

// Transform runs the script over the given inputs and commits its
// output under the destination key. A cached key short-circuits
// without executing anything; racing transforms of the same key run
// the script exactly once. Nothing is committed when the script
// fails or the context is cancelled.
func (r *Runner) Transform(ctx context.Context, script Script, inputs []Input, key digest.Digest) (cachestore.Entry, error) {
	if entry, err := r.Cache.Stat(key); err == nil {
		return entry, nil
	}

	entry, wasNew, err := r.Cache.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		return r.execute(ctx, script, inputs)
	})
	if err != nil {
		return cachestore.Entry{}, err
	}
	if wasNew {
		r.logger().Info("transform complete",
			"script", script.Path,
			"key", digest.Short(key),
			"size", entry.Size,
		)
	}
	return entry, nil
}

// execute materializes inputs, runs the script, and returns the
// output file's bytes.
func (r *Runner) execute(ctx context.Context, script Script, inputs []Input) ([]byte, error) {
	workRoot := r.WorkRoot
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	scratch, err := os.MkdirTemp(workRoot, "hatchery-transform-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	outputPath := filepath.Join(scratch, "output")
	environment := append(os.Environ(),
		"HATCHERY_OUTPUT="+outputPath,
		"HATCHERY_WORKDIR="+scratch,
	)

	inputDir := filepath.Join(scratch, "inputs")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating input directory: %w", err)
	}
	// Materialized filenames are index-prefixed so inputs with the
	// same base name cannot clobber each other, and two inputs whose
	// names normalize to the same variable are an error rather than a
	// silent overwrite.
	variables := make(map[string]string, len(inputs))
	for index, input := range inputs {
		name := environmentName(input.Name)
		if previous, taken := variables[name]; taken {
			return nil, fmt.Errorf(
				"inputs %q and %q both map to HATCHERY_INPUT_%s; rename one output",
				previous, input.Name, name,
			)
		}
		variables[name] = input.Name

		_, blob, err := r.Cache.Get(input.Key)
		if err != nil {
			return nil, fmt.Errorf("resolving input %q: %w", input.Name, err)
		}
		path := filepath.Join(inputDir, fmt.Sprintf("%d-%s", index, filepath.Base(input.Name)))
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			return nil, fmt.Errorf("materializing input %q: %w", input.Name, err)
		}
		environment = append(environment, "HATCHERY_INPUT_"+name+"="+path)
	}

	command := exec.CommandContext(ctx, script.Path, script.Args...)
	command.Dir = scratch
	command.Env = environment

	var stderr bytes.Buffer
	command.Stderr = &stderr
	command.Stdout = &stderr

	runError := command.Run()

	// Cancellation and timeout surface as the context error so the
	// orchestrator can tell a timeout from a genuine script failure.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("script %s: %w", script.Path, ctx.Err())
	}

	if runError != nil {
		exitCode := -1
		var exitError *exec.ExitError
		if errors.As(runError, &exitError) {
			exitCode = exitError.ExitCode()
		}
		return nil, &ScriptError{
			Script:     script.Path,
			ExitCode:   exitCode,
			Diagnostic: diagnosticTail(stderr.Bytes(), runError),
		}
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, &ScriptError{
			Script:     script.Path,
			ExitCode:   0,
			Diagnostic: "script exited 0 but wrote no HATCHERY_OUTPUT file",
		}
	}
	if len(output) == 0 {
		return nil, &ScriptError{
			Script:     script.Path,
			ExitCode:   0,
			Diagnostic: "script exited 0 but HATCHERY_OUTPUT is empty",
		}
	}
	return output, nil
}

// diagnosticTail returns the last diagnosticLimit bytes of captured
// output, falling back to the raw exec error when the script said
// nothing.
func diagnosticTail(captured []byte, runError error) string {
	text := strings.TrimSpace(string(captured))
	if text == "" {
		return runError.Error()
	}
	if len(text) > diagnosticLimit {
		text = "..." + text[len(text)-diagnosticLimit:]
	}
	return text
}

// environmentName converts a declared output name into an environment
// variable suffix: uppercased, with every non-alphanumeric run
// collapsed to an underscore ("raw-data" → RAW_DATA).
func environmentName(name string) string {
	var builder strings.Builder
	previousUnderscore := false
	for _, r := range strings.ToUpper(name) {
		alphanumeric := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alphanumeric {
			builder.WriteRune(r)
			previousUnderscore = false
			continue
		}
		if !previousUnderscore {
			builder.WriteByte('_')
			previousUnderscore = true
		}
	}
	return strings.Trim(builder.String(), "_")
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
