// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Stage is the entry point of the re-executed pre-exec stage, the
// process that becomes the command. It inherits the spawn descriptor
// pipe on descriptor 3, the exec error pipe on 4, and (with noexec)
// the notify socketpair on 5. Identity was already applied by the
// spawner; what remains is everything that must happen inside the
// command's own process image: umask, working directory, signal mask
// reset, the seccomp filter, and the exec itself.
//
// On success it never returns. On exec failure the errno crosses the
// error pipe and the process leaves through unix.Exit, skipping any
// inherited buffered state.
func Stage(logger *slog.Logger) error {
	// The seccomp filter and the signal mask are per-thread state; the
	// thread that installs them must be the one that execs.
	runtime.LockOSThread()

	specFile := os.NewFile(uintptr(stageSpecFd), "spawn descriptor")
	// This read blocks until the monitor has finished arranging the
	// foreground process group; it is the stage's cue to proceed.
	spec, err := readSpawnSpec(specFile)
	specFile.Close()
	if err != nil {
		return err
	}

	// The spawner's mask must not leak into the command.
	if err := clearSignalMask(); err != nil {
		return err
	}

	// A successful exec must close the error pipe so the monitor sees
	// EOF instead of waiting for a verdict.
	unix.CloseOnExec(stageErrpipeFd)

	if spec.SetUmask {
		unix.Umask(spec.Umask)
	}

	if spec.Dir != "" {
		if err := os.Chdir(spec.Dir); err != nil {
			if spec.DirRequired {
				reportExecErrno(err)
				unix.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "elevate: unable to change directory to %s: %v\n", spec.Dir, err)
			logger.Debug("working directory unchanged", "dir", spec.Dir, "error", err)
		}
	}

	if spec.NoExec {
		notifyFd, err := installNoexecFilter()
		if err != nil {
			reportExecErrno(err)
			unix.Exit(1)
		}
		if err := sendNotifyFd(stageNotifyFd, notifyFd); err != nil {
			reportExecErrno(err)
			unix.Exit(1)
		}
		unix.Close(notifyFd)
		unix.Close(stageNotifyFd)
	}

	err = unix.Exec(spec.Path, spec.argv(), os.Environ())
	// Only reached when the exec failed.
	reportExecErrno(err)
	unix.Exit(1)
	return nil
}

// reportExecErrno writes the failure's errno to the monitor's error
// pipe as one fixed-width value.
func reportExecErrno(err error) {
	errno := unix.EIO
	var e unix.Errno
	if errors.As(err, &e) {
		errno = e
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(errno))
	unix.Write(stageErrpipeFd, buf[:])
}
