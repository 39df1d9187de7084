// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import "golang.org/x/sys/unix"

const nativeAuditArch = unix.AUDIT_ARCH_RISCV64
