// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/hatchery-project/hatchery/lib/cachestore"
	"github.com/hatchery-project/hatchery/lib/digest"
	"github.com/hatchery-project/hatchery/lib/loader"
	"github.com/hatchery-project/hatchery/lib/registry"
	"github.com/hatchery-project/hatchery/lib/version"
)

func cmdArtifacts(args []string) error {
	flags := pflag.NewFlagSet("hatchery artifacts", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}

	cachePath, registryPath := storePathOverrides(common.project)
	env, err := setup(&common, cachePath, registryPath)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tVERSION\tDIGEST\tCREATED")
	for _, name := range env.registry.Names() {
		versions, err := env.registry.Versions(name)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n",
				name, v.Version, digest.Short(v.Digest), v.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return writer.Flush()
}

func cmdResolve(args []string) error {
	flags := pflag.NewFlagSet("hatchery resolve", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	output := flags.String("output", "", "write content to this file instead of stdout")
	if err := flags.Parse(args); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}
	if flags.NArg() != 1 {
		return &exitError{code: exitConfiguration, message: "usage: hatchery resolve NAME[@VERSION]"}
	}

	name, selector := splitSelector(flags.Arg(0))

	cachePath, registryPath := storePathOverrides(common.project)
	env, err := setup(&common, cachePath, registryPath)
	if err != nil {
		return err
	}

	content, resolved, err := loader.New(env.registry, env.cache).Resolve(name, selector)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return &exitError{code: exitStepFailure, message: fmt.Sprintf("artifact %s@%s not found", name, selector)}
		}
		return err
	}

	if *output != "" {
		if err := os.WriteFile(*output, content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", *output, err)
		}
		env.logger.Info("artifact written",
			"name", name,
			"version", resolved.Version,
			"bytes", len(content),
			"path", *output,
		)
		return nil
	}
	_, err = os.Stdout.Write(content)
	return err
}

// splitSelector splits "name@version" into its parts; a bare name
// selects the latest version. Artifact names may contain slashes but
// never "@".
func splitSelector(reference string) (string, string) {
	if name, selector, found := strings.Cut(reference, "@"); found {
		return name, selector
	}
	return reference, registry.SelectorLatest
}

func cmdPurge(args []string) error {
	flags := pflag.NewFlagSet("hatchery purge", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return &exitError{code: exitConfiguration, message: err.Error()}
	}
	if flags.NArg() != 1 {
		return &exitError{code: exitConfiguration, message: "usage: hatchery purge CACHE-KEY"}
	}

	key, err := digest.Parse(flags.Arg(0))
	if err != nil {
		return &exitError{code: exitConfiguration, message: fmt.Sprintf("bad cache key: %v", err)}
	}

	cachePath, registryPath := storePathOverrides(common.project)
	env, err := setup(&common, cachePath, registryPath)
	if err != nil {
		return err
	}

	if err := env.cache.Purge(key); err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return &exitError{code: exitStepFailure, message: fmt.Sprintf("cache key %s not found", digest.Short(key))}
		}
		return err
	}
	fmt.Printf("purged %s\n", digest.Format(key))
	return nil
}

func cmdVersion(args []string) error {
	fmt.Println("hatchery " + version.String())
	return nil
}
