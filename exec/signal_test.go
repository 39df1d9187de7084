// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable polls a descriptor until it has data or the deadline
// passes.
func waitReadable(t *testing.T, fd int, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for {
		remaining := time.Until(end)
		if remaining <= 0 {
			t.Fatal("descriptor never became readable")
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
}

func TestSignalStreamDelivers(t *testing.T) {
	stream, err := newSignalStream([]unix.Signal{unix.SIGUSR1})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.close()

	if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}

	waitReadable(t, stream.fd, 5*time.Second)
	signal, err := stream.recv()
	if err != nil {
		t.Fatal(err)
	}
	if signal != unix.SIGUSR1 {
		t.Errorf("received %s, want SIGUSR1", signalName(signal))
	}
}

func TestSignalStreamDrainsToEAGAIN(t *testing.T) {
	stream, err := newSignalStream([]unix.Signal{unix.SIGUSR2})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.close()

	if _, err := stream.recv(); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("recv on idle stream = %v, want EAGAIN", err)
	}

	if err := unix.Kill(unix.Getpid(), unix.SIGUSR2); err != nil {
		t.Fatal(err)
	}
	waitReadable(t, stream.fd, 5*time.Second)
	if _, err := stream.recv(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.recv(); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("recv after draining = %v, want EAGAIN", err)
	}
}

func TestSignalStreamIgnoreDiscards(t *testing.T) {
	stream, err := newSignalStream([]unix.Signal{unix.SIGUSR1})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.close()

	stream.ignore(unix.SIGUSR1)
	if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	// An ignored delivery never reaches the pipe; give it a moment to
	// prove the negative.
	time.Sleep(50 * time.Millisecond)
	if _, err := stream.recv(); !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("recv after ignored delivery = %v, want EAGAIN", err)
	}

	stream.restoreCatch(unix.SIGUSR1)
	if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	waitReadable(t, stream.fd, 5*time.Second)
	signal, err := stream.recv()
	if err != nil {
		t.Fatal(err)
	}
	if signal != unix.SIGUSR1 {
		t.Errorf("received %s, want SIGUSR1", signalName(signal))
	}
}

func TestClearSignalMask(t *testing.T) {
	if err := clearSignalMask(); err != nil {
		t.Fatal(err)
	}
}
