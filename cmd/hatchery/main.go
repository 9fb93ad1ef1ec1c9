// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	exitSuccess       = 0
	exitStepFailure   = 1
	exitConfiguration = 2
)

// exitError carries a specific exit code out of a command. The
// message (when non-empty) is printed to stderr; commands that have
// already produced their own output leave it empty.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

// command is one subcommand of the hatchery binary.
type command struct {
	name    string
	summary string
	run     func(args []string) error
}

func commands() []command {
	return []command{
		{"getdata", "fetch declared sources into the cache", cmdGetdata},
		{"usedata", "run transform steps, fetching missing inputs", cmdUsedata},
		{"run", "execute the full pipeline including registration", cmdRun},
		{"install", "alias for run", cmdRun},
		{"validate", "check the project file without executing", cmdValidate},
		{"artifacts", "list registered artifacts and versions", cmdArtifacts},
		{"resolve", "write an artifact's content to stdout or a file", cmdResolve},
		{"purge", "remove a cache entry by key", cmdPurge},
		{"version", "print the build version", cmdVersion},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printUsage(os.Stderr)
		if len(args) == 0 {
			return exitConfiguration
		}
		return exitSuccess
	}
	if args[0] == "--version" {
		args[0] = "version"
	}

	for _, cmd := range commands() {
		if cmd.name != args[0] {
			continue
		}
		err := cmd.run(args[1:])
		if err == nil {
			return exitSuccess
		}
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.message != "" {
				fmt.Fprintf(os.Stderr, "hatchery %s: %s\n", cmd.name, exit.message)
			}
			return exit.code
		}
		fmt.Fprintf(os.Stderr, "hatchery %s: %v\n", cmd.name, err)
		return exitStepFailure
	}

	fmt.Fprintf(os.Stderr, "hatchery: unknown command %q\n\n", args[0])
	printUsage(os.Stderr)
	return exitConfiguration
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: hatchery COMMAND [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
}
