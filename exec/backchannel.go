// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// The backchannel is the private control channel between the front
// controller and the monitor. Each message is a fixed five-byte frame:
// one kind byte followed by a four-byte native-endian payload (process
// id, exit code, signal number, or raw OS error number). Frames are
// written with a single send so they are atomic on a SOCK_STREAM
// socketpair; a partial frame on the wire is protocol corruption, not
// something to buffer.
const messageLength = 5

// Monitor→controller message kinds.
const (
	kindIOError   byte = 0
	kindStatExit  byte = 1
	kindStatTerm  byte = 2
	kindStatStop  byte = 3
	kindPid       byte = 4
	kindShortRead byte = 5
)

// Controller→monitor message kinds.
const (
	kindExecCommand byte = 0
	kindSignal      byte = 1
)

// errShortRead reports a partial frame on the backchannel. It is
// distinct from io.EOF (peer gone, expected) and from unix.EAGAIN
// (transient non-readiness): a short read means the peer is alive but
// the protocol state is unrecoverable.
var errShortRead = errors.New("short read on backchannel")

// parentMessage is a monitor→controller message: the command's pid,
// one of the three command status transitions, an exec-time OS error,
// or a corruption report.
type parentMessage struct {
	kind byte
	data int32
}

func commandPidMessage(pid int) parentMessage {
	return parentMessage{kind: kindPid, data: int32(pid)}
}

func commandExitMessage(code int) parentMessage {
	return parentMessage{kind: kindStatExit, data: int32(code)}
}

func commandTermMessage(signal unix.Signal) parentMessage {
	return parentMessage{kind: kindStatTerm, data: int32(signal)}
}

func commandStopMessage(signal unix.Signal) parentMessage {
	return parentMessage{kind: kindStatStop, data: int32(signal)}
}

func ioErrorMessage(errno unix.Errno) parentMessage {
	return parentMessage{kind: kindIOError, data: int32(errno)}
}

func shortReadMessage() parentMessage {
	return parentMessage{kind: kindShortRead}
}

func (m parentMessage) encode() [messageLength]byte {
	var frame [messageLength]byte
	frame[0] = m.kind
	binary.NativeEndian.PutUint32(frame[1:], uint32(m.data))
	return frame
}

func decodeParentMessage(frame [messageLength]byte) (parentMessage, error) {
	m := parentMessage{
		kind: frame[0],
		data: int32(binary.NativeEndian.Uint32(frame[1:])),
	}
	if m.kind > kindShortRead {
		return parentMessage{}, fmt.Errorf("unknown monitor message kind %d", m.kind)
	}
	return m, nil
}

func (m parentMessage) String() string {
	switch m.kind {
	case kindIOError:
		return fmt.Sprintf("IoError(%s)", unix.Errno(m.data))
	case kindStatExit:
		return fmt.Sprintf("Exit(%d)", m.data)
	case kindStatTerm:
		return fmt.Sprintf("Term(%s)", signalName(unix.Signal(m.data)))
	case kindStatStop:
		return fmt.Sprintf("Stop(%s)", signalName(unix.Signal(m.data)))
	case kindPid:
		return fmt.Sprintf("CommandPid(%d)", m.data)
	case kindShortRead:
		return "ShortRead"
	}
	return fmt.Sprintf("unknown(%d)", m.kind)
}

// monitorMessage is a controller→monitor message: the green light to
// exec, or a signal to deliver to the command. The signal number may
// be one of the negative sigContForeground/sigContBackground values,
// which carry foreground intent alongside SIGCONT.
type monitorMessage struct {
	kind byte
	data int32
}

func execCommandMessage() monitorMessage {
	return monitorMessage{kind: kindExecCommand}
}

func signalMessage(signal int32) monitorMessage {
	return monitorMessage{kind: kindSignal, data: signal}
}

func (m monitorMessage) encode() [messageLength]byte {
	var frame [messageLength]byte
	frame[0] = m.kind
	binary.NativeEndian.PutUint32(frame[1:], uint32(m.data))
	return frame
}

func decodeMonitorMessage(frame [messageLength]byte) (monitorMessage, error) {
	m := monitorMessage{
		kind: frame[0],
		data: int32(binary.NativeEndian.Uint32(frame[1:])),
	}
	if m.kind > kindSignal {
		return monitorMessage{}, fmt.Errorf("unknown controller message kind %d", m.kind)
	}
	return m, nil
}

func (m monitorMessage) String() string {
	switch m.kind {
	case kindExecCommand:
		return "ExecCommand"
	case kindSignal:
		return fmt.Sprintf("Signal(%s)", signalName(unix.Signal(m.data)))
	}
	return fmt.Sprintf("unknown(%d)", m.kind)
}

// backchannel is one end of the control socketpair. The descriptor is
// non-blocking: send and recv never park the caller, they report
// unix.EAGAIN so the event loop can wait for readiness in its poll.
type backchannel struct {
	fd int
}

// newBackchannelPair creates the connected controller and monitor
// endpoints. Both are non-blocking; the monitor end keeps working
// across exec because the re-executed monitor receives it at a fixed
// descriptor number via ExtraFiles.
func newBackchannelPair() (controller, monitor *backchannel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create backchannel socketpair: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("set backchannel non-blocking: %w", err)
		}
	}
	return &backchannel{fd: fds[0]}, &backchannel{fd: fds[1]}, nil
}

// newBackchannelFromFd wraps an inherited descriptor in the re-executed
// monitor process.
func newBackchannelFromFd(fd int) (*backchannel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set backchannel non-blocking: %w", err)
	}
	return &backchannel{fd: fd}, nil
}

func (b *backchannel) close() {
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}

// sendFrame writes one frame without blocking. unix.EAGAIN and
// unix.EINTR are retryable; everything else is fatal for the channel.
func (b *backchannel) sendFrame(frame [messageLength]byte) error {
	n, err := unix.Write(b.fd, frame[:])
	if err != nil {
		return err
	}
	if n != messageLength {
		// A five-byte write on a stream socket is atomic; a short
		// write means the socket is in an unusable state.
		return errShortRead
	}
	return nil
}

// recvFrame reads exactly one frame without blocking. io.EOF means the
// peer process is gone (its last descriptor closed); unix.EAGAIN means
// no complete frame is available yet; errShortRead means the stream is
// corrupt.
func (b *backchannel) recvFrame() ([messageLength]byte, error) {
	var frame [messageLength]byte
	n, err := unix.Read(b.fd, frame[:])
	if err != nil {
		return frame, err
	}
	if n == 0 {
		return frame, io.EOF
	}
	if n != messageLength {
		return frame, errShortRead
	}
	return frame, nil
}

// sendBlocking retries a frame send across EINTR and EAGAIN, waiting
// for writability in poll. Used outside the event loops (the green
// light, and the monitor's final status report).
func (b *backchannel) sendBlocking(frame [messageLength]byte) error {
	for {
		err := b.sendFrame(frame)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := pollOne(b.fd, unix.POLLOUT); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// recvBlocking retries a frame receive across EINTR and EAGAIN,
// waiting for readability in poll.
func (b *backchannel) recvBlocking() ([messageLength]byte, error) {
	for {
		frame, err := b.recvFrame()
		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := pollOne(b.fd, unix.POLLIN); err != nil {
				return frame, err
			}
		default:
			return frame, err
		}
	}
}

// pollOne waits for a single readiness condition on one descriptor,
// retrying across EINTR.
func pollOne(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// signalName formats a signal number for logs, including the private
// continue pseudo-signals used on the backchannel.
func signalName(signal unix.Signal) string {
	switch signal {
	case sigContForeground:
		return "SIGCONT_FG"
	case sigContBackground:
		return "SIGCONT_BG"
	}
	if name := unix.SignalName(signal); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(signal))
}
