// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/elevate-foundation/elevate/lib/codec"
)

// Internal subcommand names. The supervisor re-executes its own binary
// for the monitor process and for the pre-exec stage of the command;
// cmd/elevate dispatches on these before normal flag parsing.
const (
	MonitorCommand = "monitor"
	StageCommand   = "exec-stage"
)

// Descriptor numbers the re-executed processes inherit, fixed by the
// ExtraFiles layout of their spawners.
const (
	monitorBackchannelFd = 3 // control socketpair, monitor end
	monitorSpecFd        = 4 // spawn descriptor pipe, read end
	monitorFollowerFd    = 5 // pty follower, becomes the controlling tty

	stageSpecFd    = 3 // spawn descriptor pipe, read end
	stageErrpipeFd = 4 // exec errno pipe, write end
	stageNotifyFd  = 5 // noexec notify socketpair, present only with noexec
)

// Options is the resolved execution decision: an absolute command
// path, its argument vector, and the target identity. Policy
// evaluation, authentication, and environment handling happen before
// this point; the supervisor only runs what it is given.
type Options struct {
	// Path is the absolute path of the command. Resolution failures
	// are the caller's problem; an empty path is rejected here.
	Path string
	// Args is the full argument vector including argv[0].
	Args []string
	// Arg0 overrides argv[0], typically "-shell" for login shells.
	Arg0 string
	// Dir is the working directory for the command. When DirRequired
	// is set a chdir failure aborts the exec; otherwise it is logged
	// and the command starts in the inherited directory.
	Dir         string
	DirRequired bool

	// Target identity. Applied only when SetIdentity is true, so the
	// supervisor can be exercised without privileges.
	UID         uint32
	GID         uint32
	Groups      []uint32
	SetIdentity bool

	// Umask is applied in the pre-exec stage when SetUmask is true.
	Umask    int
	SetUmask bool

	// UsePTY runs the command on a fresh pseudo-terminal with full
	// signal and terminal supervision. Without it (or without a user
	// terminal) the command inherits the supervisor's streams.
	UsePTY bool
	// NoExec installs the seccomp filter that denies the command's
	// descendants any further exec.
	NoExec bool
	// TTYGroup names the group that owns the pty follower device.
	TTYGroup string

	Logger *slog.Logger
}

// ExitReason is the terminal outcome of one supervision: the command's
// exit code, or the signal that killed it. Produced exactly once.
type ExitReason struct {
	signaled bool
	signal   unix.Signal
	code     int
}

func commandExited(code int) ExitReason {
	return ExitReason{code: code}
}

func commandSignaled(signal unix.Signal) ExitReason {
	return ExitReason{signaled: true, signal: signal}
}

// Code returns the command's exit code, if it exited normally.
func (r ExitReason) Code() (int, bool) {
	return r.code, !r.signaled
}

// Signal returns the signal that terminated the command, if any.
func (r ExitReason) Signal() (unix.Signal, bool) {
	return r.signal, r.signaled
}

func (r ExitReason) String() string {
	if r.signaled {
		return fmt.Sprintf("terminated by %s", signalName(r.signal))
	}
	return fmt.Sprintf("exit code %d", r.code)
}

// Run supervises one command to completion under the given decision
// and returns how it ended. Supervisor-level failures (setup,
// transport) are returned as errors, distinct from command outcomes.
func Run(options Options) (ExitReason, error) {
	if options.Path == "" {
		return ExitReason{}, errors.New("no command path")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if options.UsePTY {
		tty, err := openUserTerminal()
		if err != nil {
			options.Logger.Debug("no usable terminal, running without a pty", "error", err)
		} else {
			return execPty(options, tty)
		}
	}
	return execNoPty(options)
}

// spawnSpec is the decision record serialized across the re-exec
// boundaries: controller → monitor on the monitor's spec pipe, and
// monitor → stage on the stage's. The stage reads it only after the
// monitor has arranged the foreground process group, so the read
// doubles as the stage's green light.
type spawnSpec struct {
	Path        string   `cbor:"path"`
	Args        []string `cbor:"args"`
	Arg0        string   `cbor:"arg0,omitempty"`
	Dir         string   `cbor:"dir,omitempty"`
	DirRequired bool     `cbor:"dir_required,omitempty"`
	UID         uint32   `cbor:"uid"`
	GID         uint32   `cbor:"gid"`
	Groups      []uint32 `cbor:"groups,omitempty"`
	SetIdentity bool     `cbor:"set_identity"`
	Umask       int      `cbor:"umask"`
	SetUmask    bool     `cbor:"set_umask"`
	NoExec      bool     `cbor:"noexec"`
	Foreground  bool     `cbor:"foreground"`

	// Which of the command's standard streams go to the pty follower.
	// A redirected stream (pipeline) is passed through untouched so
	// byte-exact piping works.
	TerminalStdin  bool `cbor:"terminal_stdin,omitempty"`
	TerminalStdout bool `cbor:"terminal_stdout,omitempty"`
	TerminalStderr bool `cbor:"terminal_stderr,omitempty"`
}

func newSpawnSpec(options Options, foreground bool) spawnSpec {
	return spawnSpec{
		Path:        options.Path,
		Args:        options.Args,
		Arg0:        options.Arg0,
		Dir:         options.Dir,
		DirRequired: options.DirRequired,
		UID:         options.UID,
		GID:         options.GID,
		Groups:      options.Groups,
		SetIdentity: options.SetIdentity,
		Umask:       options.Umask,
		SetUmask:    options.SetUmask,
		NoExec:      options.NoExec,
		Foreground:  foreground,
	}
}

// argv returns the exec argument vector with the arg0 override applied.
func (s spawnSpec) argv() []string {
	args := s.Args
	if len(args) == 0 {
		args = []string{s.Path}
	}
	if s.Arg0 != "" {
		args = append([]string{s.Arg0}, args[1:]...)
	}
	return args
}

func writeSpawnSpec(w *os.File, spec spawnSpec) error {
	if err := codec.NewEncoder(w).Encode(spec); err != nil {
		return fmt.Errorf("write spawn descriptor: %w", err)
	}
	return nil
}

func readSpawnSpec(r *os.File) (spawnSpec, error) {
	var spec spawnSpec
	if err := codec.NewDecoder(r).Decode(&spec); err != nil {
		return spawnSpec{}, fmt.Errorf("read spawn descriptor: %w", err)
	}
	return spec, nil
}

// terminateProcess escalates from polite to unconditional: SIGHUP for
// shells that save state on hangup, SIGTERM, then SIGKILL.
func terminateProcess(pid int, processGroup bool) {
	target := pid
	if processGroup {
		target = -pid
	}
	for _, signal := range []unix.Signal{unix.SIGHUP, unix.SIGTERM, unix.SIGKILL} {
		unix.Kill(target, signal)
	}
}
