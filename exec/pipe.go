// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

// relayDirection is one direction of the terminal relay: bytes read
// from source are buffered and written to sink as the event loop
// reports readiness. Each direction can be disabled independently:
// EOF on the user terminal must not stop command output from reaching
// the screen, and vice versa.
type relayDirection struct {
	buffer  ringBuffer
	readID  eventID
	writeID eventID
	closed  bool
}

// ttyRelay shuttles raw bytes between the user terminal and the pty
// leader. It owns the four poll interests for the two descriptors and
// keeps write interests registered only while the corresponding buffer
// has content.
type ttyRelay struct {
	tty    *userTerminal
	leader int
	poll   *pollSet
	logger *slog.Logger

	toPty relayDirection // user terminal → pty leader
	toTty relayDirection // pty leader → user terminal

	// background suppresses reading from the user terminal while the
	// command runs in the background; input belongs to the foreground
	// job, not to us.
	background bool
}

func newTtyRelay(tty *userTerminal, leader int, poll *pollSet, logger *slog.Logger) *ttyRelay {
	r := &ttyRelay{tty: tty, leader: leader, poll: poll, logger: logger}

	r.toPty.readID = poll.addRead(tty.fd)
	r.toPty.writeID = poll.addWrite(leader)
	r.toTty.readID = poll.addRead(leader)
	r.toTty.writeID = poll.addWrite(tty.fd)

	// Empty buffers have nothing to write yet.
	poll.ignore(r.toPty.writeID)
	poll.ignore(r.toTty.writeID)

	return r
}

// ownsEvent reports whether the given poll handle belongs to the relay.
func (r *ttyRelay) ownsEvent(id eventID) bool {
	return id == r.toPty.readID || id == r.toPty.writeID ||
		id == r.toTty.readID || id == r.toTty.writeID
}

// handleEvent services one ready relay interest.
func (r *ttyRelay) handleEvent(id eventID) {
	switch id {
	case r.toPty.readID:
		r.read(&r.toPty, r.tty.fd, "tty")
	case r.toPty.writeID:
		r.write(&r.toPty, r.leader, r.background)
	case r.toTty.readID:
		r.read(&r.toTty, r.leader, "pty")
	case r.toTty.writeID:
		r.write(&r.toTty, r.tty.fd, false)
	}
}

// read fills a direction's buffer from its source descriptor. EOF and
// EIO permanently disable the direction: EIO is how the pty leader
// reports that the follower side is gone, and a revoked /dev/tty reads
// as an error rather than aborting the whole supervisor.
func (r *ttyRelay) read(d *relayDirection, fd int, side string) {
	if d.buffer.full() {
		r.poll.ignore(d.readID)
		return
	}

	n, err := d.buffer.insert(fd)
	switch {
	case err == nil && n == 0 && !d.buffer.full():
		r.logger.Debug("relay end of stream", "side", side)
		r.disableRead(d)
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		// Spurious readiness; try again on the next event.
	case err != nil:
		r.logger.Debug("relay read failed, disabling side", "side", side, "error", err)
		r.disableRead(d)
	case n > 0:
		r.poll.resume(d.writeID)
	}
}

// write drains a direction's buffer into its sink descriptor.
func (r *ttyRelay) write(d *relayDirection, fd int, inputSuppressed bool) {
	if d.buffer.empty() {
		r.poll.ignore(d.writeID)
		return
	}

	n, err := d.buffer.remove(fd)
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
	case err != nil:
		r.logger.Debug("relay write failed, disabling side", "error", err)
		r.poll.ignore(d.writeID)
		r.disableRead(d)
	default:
		if d.buffer.empty() {
			r.poll.ignore(d.writeID)
		}
		// Draining freed buffer space; reading may continue unless the
		// direction was disabled or input is suppressed.
		if n > 0 && !d.closed && !inputSuppressed {
			r.poll.resume(d.readID)
		}
	}
}

func (r *ttyRelay) disableRead(d *relayDirection) {
	d.closed = true
	r.poll.ignore(d.readID)
}

// ignoreEvents stops polling both directions, used while suspended.
func (r *ttyRelay) ignoreEvents() {
	r.poll.ignore(r.toPty.readID)
	r.poll.ignore(r.toPty.writeID)
	r.poll.ignore(r.toTty.readID)
	r.poll.ignore(r.toTty.writeID)
}

// resumeEvents restarts polling after a suspend, honoring disabled
// directions and the background flag.
func (r *ttyRelay) resumeEvents() {
	if !r.toPty.closed && !r.background {
		r.poll.resume(r.toPty.readID)
	}
	if !r.toPty.buffer.empty() {
		r.poll.resume(r.toPty.writeID)
	}
	if !r.toTty.closed {
		r.poll.resume(r.toTty.readID)
	}
	if !r.toTty.buffer.empty() {
		r.poll.resume(r.toTty.writeID)
	}
}

// dropTerminal stops relaying in both directions after the user
// terminal was revoked. Supervision continues; further command output
// is discarded with the relay.
func (r *ttyRelay) dropTerminal() {
	r.disableRead(&r.toPty)
	r.disableRead(&r.toTty)
	r.poll.ignore(r.toPty.writeID)
	r.poll.ignore(r.toTty.writeID)
}

// suppressInput stops reading from the user terminal for the rest of
// the session (background execution).
func (r *ttyRelay) suppressInput() {
	r.background = true
	r.poll.ignore(r.toPty.readID)
}

// flushToTty synchronously drains any pending command output to the
// user terminal before the supervisor returns.
func (r *ttyRelay) flushToTty() error {
	for !r.toTty.buffer.empty() {
		if _, err := r.toTty.buffer.remove(r.tty.fd); err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				if err := pollOne(r.tty.fd, unix.POLLOUT); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
	return nil
}
