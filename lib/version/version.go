// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version of the elevate binary.
package version

// version is set at build time via:
//
//	-ldflags "-X github.com/elevate-foundation/elevate/lib/version.version=v1.2.3"
var version = "dev"

// Info returns the version string for --version output.
func Info() string {
	return version
}
