// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Signals the front controller intercepts and relays. SIGKILL and
// SIGSTOP cannot be caught; SIGSEGV and friends stay at their default
// disposition because forwarding a fault signal makes no sense.
var parentSignals = []unix.Signal{
	unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP, unix.SIGTERM,
	unix.SIGHUP, unix.SIGALRM, unix.SIGPIPE, unix.SIGUSR1,
	unix.SIGUSR2, unix.SIGCHLD, unix.SIGCONT, unix.SIGWINCH,
}

// Signals the monitor intercepts. The monitor never needs SIGCONT or
// SIGWINCH (the kernel handles window size via the pty) and must not
// catch SIGALRM, which the controller relays as its termination
// convention.
var monitorSignals = []unix.Signal{
	unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP, unix.SIGTERM,
	unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2, unix.SIGCHLD,
}

// rt_sigprocmask SIG_SETMASK; the kernel sigset is 64 bits on Linux.
const (
	sigSetmask        = 2
	kernelSigsetBytes = 8
)

// clearSignalMask empties the calling thread's signal mask. The mask
// is per-thread and survives exec: a signal the invoking shell or a
// spawning thread left blocked would sit pending forever instead of
// reaching the runtime's handlers. The exec stage calls this on its
// locked thread so the command starts with a clean mask.
func clearSignalMask() error {
	var empty unix.Sigset_t
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK,
		sigSetmask, uintptr(unsafe.Pointer(&empty)), 0,
		kernelSigsetBytes, 0, 0)
	if errno != 0 {
		return fmt.Errorf("clear signal mask: %w", errno)
	}
	return nil
}

// signalStream converts asynchronous signal delivery into descriptor
// reads so the event loops can multiplex signals with the terminal and
// the backchannel. Delivery goes through the runtime: a caught signal
// lands on the stream's channel from whichever thread received it, and
// the pump serializes it onto a pipe the poll set watches.
//
// The runtime keeps terminating signals unblocked on every thread it
// creates and its handlers discard the kernel's siginfo, so the sender
// of a relayed signal is unknowable here; the relay treats every
// delivery the same.
type signalStream struct {
	fd      int // read end, registered with the poll set
	writeFd int
	ch      chan os.Signal
	drained chan struct{}
}

// newSignalStream starts catching the given signals. Deliveries queue
// in the channel and the pipe from this point on, so the stream can be
// installed before the processes it supervises exist.
func newSignalStream(signals []unix.Signal) (*signalStream, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create signal pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("set signal pipe non-blocking: %w", err)
	}

	s := &signalStream{
		fd:      fds[0],
		writeFd: fds[1],
		ch:      make(chan os.Signal, 64),
		drained: make(chan struct{}),
	}
	catch := make([]os.Signal, len(signals))
	for i, sig := range signals {
		catch[i] = sig
	}
	signal.Notify(s.ch, catch...)
	go s.pump()
	return s, nil
}

// pump owns the write end and exits when the channel closes.
func (s *signalStream) pump() {
	defer close(s.drained)
	defer unix.Close(s.writeFd)
	for sig := range s.ch {
		number, ok := sig.(unix.Signal)
		if !ok {
			continue
		}
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], uint32(number))
		for {
			if _, err := unix.Write(s.writeFd, buf[:]); err != unix.EINTR {
				break
			}
		}
	}
}

// recv reads one delivered signal. unix.EAGAIN means none is pending.
func (s *signalStream) recv() (unix.Signal, error) {
	var buf [4]byte
	for {
		n, err := unix.Read(s.fd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return 0, err
		case n != len(buf):
			return 0, fmt.Errorf("short signal pipe read: %d bytes", n)
		}
		return unix.Signal(binary.NativeEndian.Uint32(buf[:])), nil
	}
}

// setDefault restores a signal's default disposition and stops routing
// it to the stream. Used around the controller's own suspension:
// raising SIGTSTP at ourselves only stops the process while SIGTSTP is
// not caught.
func (s *signalStream) setDefault(sig unix.Signal) {
	signal.Reset(sig)
}

// ignore discards a signal entirely until restoreCatch.
func (s *signalStream) ignore(sig unix.Signal) {
	signal.Ignore(sig)
}

// restoreCatch routes a signal released by setDefault or ignore back
// to the stream.
func (s *signalStream) restoreCatch(sig unix.Signal) {
	signal.Notify(s.ch, sig)
}

// close stops signal routing and releases the pipe. Anything queued
// but unread is dropped with it.
func (s *signalStream) close() {
	signal.Stop(s.ch)
	close(s.ch)
	<-s.drained
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}
