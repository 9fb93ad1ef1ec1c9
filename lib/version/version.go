// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity of the running binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the release version, overridden at link time with
// -ldflags "-X .../lib/version.Version=v1.2.3". Source builds report
// "devel".
var Version = "devel"

// String renders the version plus the VCS revision when the binary
// was built from a checkout.
func String() string {
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
				revision = setting.Value[:12]
			}
		}
	}
	if revision == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, revision)
}
