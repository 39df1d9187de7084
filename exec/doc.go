// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

// Package exec supervises the execution of a command under an elevated
// identity. The supervisor is a three-process arrangement: the front
// controller (the invoking elevate process), a monitor, and the command
// itself. The monitor owns the command's terminal session; the front
// controller owns the user's terminal and relays bytes, window sizes
// and signals between the two worlds.
//
// The package is organized around that data flow:
//
//   - backchannel.go: fixed-frame control channel between controller and monitor
//   - pty.go: pseudo-terminal allocation and termios handling
//   - ringbuffer.go, pipe.go: the bidirectional terminal byte relay
//   - pollset.go: poll(2) readiness multiplexing for the event loops
//   - signal.go: signal stream bridging os/signal delivery onto the poll loop
//   - parent.go: the front controller's event loop
//   - monitor.go: the monitor process
//   - stage.go: the final pre-exec stage run inside the command process
//   - noexec.go: seccomp user-notification filter blocking nested exec
//   - nopty.go: the simpler supervisor used without a pseudo-terminal
//
// Process creation uses re-execution of /proc/self/exe with internal
// subcommands rather than bare fork: the monitor and the exec stage
// receive their inherited descriptors at fixed numbers and a CBOR
// spawn descriptor on a dedicated pipe.
package exec
