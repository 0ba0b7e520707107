/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version holds build metadata.
package version

import "fmt"

// Version is the current version of feedplay.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/feedplay/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// Commit is the git revision the binary was built from.
var Commit = "dev"

// String formats version and commit for the version command and logs.
func String() string {
	return fmt.Sprintf("feedplay %s (%s)", Version, Commit)
}
