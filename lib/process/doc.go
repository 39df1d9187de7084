// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the elevate
// binary: fatal error reporting and the exit contract with the
// invoking shell (mirroring the supervised command's exit code or
// termination signal).
package process
