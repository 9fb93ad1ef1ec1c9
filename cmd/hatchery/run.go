// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hatchery-project/hatchery/lib/pipeline"
	"github.com/hatchery-project/hatchery/lib/runner"
)

func cmdGetdata(args []string) error {
	return executePipeline("getdata", args, []pipeline.Kind{pipeline.KindFetch})
}

func cmdUsedata(args []string) error {
	return executePipeline("usedata", args, []pipeline.Kind{pipeline.KindTransform})
}

func cmdRun(args []string) error {
	return executePipeline("run", args, nil)
}

// executePipeline is the shared body of getdata, usedata, and run:
// parse flags, load the project, run the (possibly kind-restricted)
// graph, print the report.
func executePipeline(name string, args []string, kinds []pipeline.Kind) error {
	flags := pflag.NewFlagSet("hatchery "+name, pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	refresh := flags.Bool("refresh", false, "re-fetch sources even when cached")
	override := flags.Bool("override", false, "resolve registry version conflicts with a new version")
	parallel := flags.Int("parallel", 0, "maximum concurrent steps (default from config)")
	if err := flags.Parse(args); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	project, err := pipeline.ParseFile(common.project)
	if err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	cachePath, registryPath := projectPaths(project.Root, project.Cache, project.Registry)
	env, err := setup(&common, cachePath, registryPath)
	if err != nil {
		return err
	}

	opts, err := env.runOptions(*refresh, *override, *parallel)
	if err != nil {
		return err
	}
	opts.Kinds = kinds

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := env.buildRunner().Run(ctx, project, opts)
	if err != nil {
		var invalid *runner.InvalidProjectError
		if errors.As(err, &invalid) {
			for _, issue := range invalid.Issues {
				fmt.Fprintln(os.Stderr, issue)
			}
			return &exitError{code: exitConfiguration, message: fmt.Sprintf("%d validation issue(s)", len(invalid.Issues))}
		}
		var cycle *pipeline.CycleError
		if errors.As(err, &cycle) {
			return &exitError{code: exitConfiguration, message: cycle.Error()}
		}
		// Cancellation: the report still describes what finished.
		if report != nil {
			fmt.Print(report.Summary())
		}
		return &exitError{code: exitStepFailure, message: err.Error()}
	}

	fmt.Print(report.Summary())
	if !report.Succeeded() {
		return &exitError{code: exitStepFailure, message: fmt.Sprintf("failed steps: %v", report.Failed())}
	}
	return nil
}

func cmdValidate(args []string) error {
	flags := pflag.NewFlagSet("hatchery validate", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	project, err := pipeline.ParseFile(common.project)
	if err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	issues := pipeline.Validate(project)
	for _, issue := range issues {
		fmt.Println(issue)
	}
	if len(issues) > 0 {
		return &exitError{code: exitConfiguration, message: fmt.Sprintf("%d validation issue(s)", len(issues))}
	}

	if _, err := pipeline.BuildGraph(project); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	fmt.Printf("%s: %d steps, ok\n", project.Name, len(project.Steps))
	return nil
}
