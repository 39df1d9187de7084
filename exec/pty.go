// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// pty is an allocated pseudo-terminal pair. The leader stays with the
// front controller (non-blocking, driven by the event loop); the
// follower is handed to the monitor as its controlling terminal and to
// the command as its standard streams. The pair is owned exclusively
// by the controller until the monitor is spawned.
type pty struct {
	leader   int
	follower *os.File
	path     string
}

// openPty allocates a pseudo-terminal pair using the Linux devpts
// interface. The leader is set non-blocking for the relay.
func openPty() (*pty, error) {
	leader, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("pty unavailable: open /dev/ptmx: %w", err)
	}

	number, err := unix.IoctlGetInt(leader, unix.TIOCGPTN)
	if err != nil {
		unix.Close(leader)
		return nil, fmt.Errorf("pty unavailable: get pty number (TIOCGPTN): %w", err)
	}

	if err := unix.IoctlSetPointerInt(leader, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(leader)
		return nil, fmt.Errorf("pty unavailable: unlock follower (TIOCSPTLCK): %w", err)
	}

	path := fmt.Sprintf("/dev/pts/%d", number)
	follower, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		unix.Close(leader)
		return nil, fmt.Errorf("pty unavailable: open follower %s: %w", path, err)
	}

	if err := unix.SetNonblock(leader, true); err != nil {
		follower.Close()
		unix.Close(leader)
		return nil, fmt.Errorf("set pty leader non-blocking: %w", err)
	}

	return &pty{leader: leader, follower: follower, path: path}, nil
}

// chownToInvoker hands the follower device to the invoking user and
// the configured tty group, matching the ownership a login terminal
// would have. An unknown tty group leaves the group unchanged.
func (p *pty) chownToInvoker(uid int, ttyGroup string) error {
	gid := -1
	if group, err := user.LookupGroup(ttyGroup); err == nil {
		if parsed, err := strconv.Atoi(group.Gid); err == nil {
			gid = parsed
		}
	}
	if err := unix.Chown(p.path, uid, gid); err != nil {
		return fmt.Errorf("change owner of %s: %w", p.path, err)
	}
	return nil
}

// resize applies a window size to the leader. The kernel delivers
// SIGWINCH to the follower's foreground process group.
func (p *pty) resize(size *unix.Winsize) error {
	return unix.IoctlSetWinsize(p.leader, unix.TIOCSWINSZ, size)
}

func (p *pty) closeFollower() {
	if p.follower != nil {
		p.follower.Close()
		p.follower = nil
	}
}

func (p *pty) close() {
	p.closeFollower()
	if p.leader >= 0 {
		unix.Close(p.leader)
		p.leader = -1
	}
}

// userTerminal is the invoking user's terminal (/dev/tty). The
// terminal can be revoked at any point during supervision, so every
// accessor returns an error and the supervisor degrades rather than
// aborts.
type userTerminal struct {
	fd       int
	rawState *term.State
}

// openUserTerminal opens /dev/tty non-blocking for the relay.
func openUserTerminal() (*userTerminal, error) {
	fd, err := unix.Open("/dev/tty", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set /dev/tty non-blocking: %w", err)
	}
	return &userTerminal{fd: fd}, nil
}

func (t *userTerminal) close() {
	if t.fd >= 0 {
		unix.Close(t.fd)
		t.fd = -1
	}
}

// foregroundGroup returns the terminal's foreground process group.
func (t *userTerminal) foregroundGroup() (int, error) {
	return unix.IoctlGetInt(t.fd, unix.TIOCGPGRP)
}

// sessionID queries the terminal's session. Used as a liveness check:
// TIOCGSID failing means the terminal was revoked.
func (t *userTerminal) sessionID() (int, error) {
	return unix.IoctlGetInt(t.fd, unix.TIOCGSID)
}

// copySettingsTo copies the terminal discipline (line editing, echo,
// speeds) to another terminal descriptor, typically the pty.
func (t *userTerminal) copySettingsTo(fd int) error {
	settings, err := unix.IoctlGetTermios(t.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("read terminal settings: %w", err)
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, settings); err != nil {
		return fmt.Errorf("apply terminal settings: %w", err)
	}
	return nil
}

// size returns the terminal's current window size.
func (t *userTerminal) size() (*unix.Winsize, error) {
	return unix.IoctlGetWinsize(t.fd, unix.TIOCGWINSZ)
}

// makeRaw switches the terminal to raw mode, remembering the previous
// state for restore. Calling it while already raw is a no-op.
func (t *userTerminal) makeRaw() error {
	if t.rawState != nil {
		return nil
	}
	state, err := term.MakeRaw(t.fd)
	if err != nil {
		return err
	}
	t.rawState = state
	return nil
}

// restore returns the terminal to the settings saved by makeRaw.
func (t *userTerminal) restore() error {
	if t.rawState == nil {
		return nil
	}
	if err := term.Restore(t.fd, t.rawState); err != nil {
		return err
	}
	t.rawState = nil
	return nil
}
