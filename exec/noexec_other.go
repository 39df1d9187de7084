// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64 && !386 && !arm && !riscv64

package exec

// No known audit architecture for this target. The filter's arch
// check then matches nothing, every syscall is routed to the
// notification listener, and all but the first are denied: noexec on
// an unrecognized architecture fails closed rather than open.
const nativeAuditArch = 0
