// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fatal writes "elevate: err" to stderr and exits with code 1. Use it
// in main() for errors from run() where the structured logger may not
// be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "elevate: %v\n", err)
	os.Exit(1)
}

// ExitCode exits the process with the given code. Split out from
// MirrorSignal so callers handle the two halves of the exit contract
// explicitly.
func ExitCode(code int) {
	os.Exit(code)
}

// MirrorSignal makes the process terminate by the same signal that
// killed the supervised command, so the invoking shell observes the
// conventional "killed by signal" wait status instead of a synthetic
// 128+n exit code. The default disposition is restored before the
// signal is re-raised; if delivery somehow does not terminate the
// process, fall back to the 128+n convention.
func MirrorSignal(sig syscall.Signal) {
	signal.Reset(sig)

	// Target the current thread directly: a process-directed signal may
	// land on another thread and race the fallback exit below, while a
	// thread-directed fatal signal is processed before tgkill returns.
	runtime.LockOSThread()
	_ = unix.Tgkill(unix.Getpid(), unix.Gettid(), unix.Signal(sig))

	// A blocked or ignored signal (SIGKILL aside, which cannot be
	// either) would leave us running; don't return to the caller.
	os.Exit(128 + int(sig))
}
