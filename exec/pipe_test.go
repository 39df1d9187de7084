// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"bytes"
	"os"
	"testing"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func testRelay(t *testing.T) (*ttyRelay, *pollSet) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })

	poll := newPollSet()
	tty := &userTerminal{fd: int(r.Fd())}
	return newTtyRelay(tty, int(w.Fd()), poll, discardLogger()), poll
}

func TestRelayEventOwnership(t *testing.T) {
	relay, poll := testRelay(t)

	for _, id := range []eventID{
		relay.toPty.readID, relay.toPty.writeID,
		relay.toTty.readID, relay.toTty.writeID,
	} {
		if !relay.ownsEvent(id) {
			t.Errorf("relay disowns its interest %d", id)
		}
	}
	if relay.ownsEvent(eventID(99)) {
		t.Error("relay claims a foreign interest")
	}

	// Write interests start disarmed: the buffers are empty.
	if !poll.ignored(relay.toPty.writeID) || !poll.ignored(relay.toTty.writeID) {
		t.Error("write interest armed with an empty buffer")
	}
}

func TestRelaySuppressInput(t *testing.T) {
	relay, poll := testRelay(t)

	relay.suppressInput()
	if !poll.ignored(relay.toPty.readID) {
		t.Error("user input still polled after suppression")
	}

	// resumeEvents must honor the suppression.
	relay.ignoreEvents()
	relay.resumeEvents()
	if !poll.ignored(relay.toPty.readID) {
		t.Error("suppressed input re-armed by resume")
	}
	if poll.ignored(relay.toTty.readID) {
		t.Error("output direction not re-armed by resume")
	}
}

func TestRelayIgnoreAndResumeEvents(t *testing.T) {
	relay, poll := testRelay(t)

	relay.ignoreEvents()
	for _, id := range []eventID{
		relay.toPty.readID, relay.toPty.writeID,
		relay.toTty.readID, relay.toTty.writeID,
	} {
		if !poll.ignored(id) {
			t.Errorf("interest %d still armed while suspended", id)
		}
	}

	relay.toTty.closed = true
	relay.resumeEvents()
	if poll.ignored(relay.toPty.readID) {
		t.Error("input not re-armed after resume")
	}
	if !poll.ignored(relay.toTty.readID) {
		t.Error("disabled direction re-armed after resume")
	}
}

// TestRelayMovesBytes pushes data through both directions using two
// pty pairs standing in for the user terminal and the command pty.
func TestRelayMovesBytes(t *testing.T) {
	userPty, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer userPty.close()
	commandPty, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer commandPty.close()

	// Raw mode on both followers so the line discipline passes bytes
	// through unmodified.
	for _, follower := range []*os.File{userPty.follower, commandPty.follower} {
		if _, err := term.MakeRaw(int(follower.Fd())); err != nil {
			t.Fatal(err)
		}
	}

	tty := &userTerminal{fd: int(userPty.follower.Fd())}
	if err := unix.SetNonblock(tty.fd, true); err != nil {
		t.Fatal(err)
	}
	poll := newPollSet()
	relay := newTtyRelay(tty, commandPty.leader, poll, discardLogger())

	input := []byte("ls -l")
	if _, err := unix.Write(userPty.leader, input); err != nil {
		t.Fatal(err)
	}
	output := []byte("total 0")
	if _, err := commandPty.follower.Write(output); err != nil {
		t.Fatal(err)
	}

	gotInput := make([]byte, 0, len(input))
	gotOutput := make([]byte, 0, len(output))
	for len(gotInput) < len(input) || len(gotOutput) < len(output) {
		ready, err := poll.wait()
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range ready {
			if relay.ownsEvent(id) {
				relay.handleEvent(id)
			}
		}

		// Drain what reached the far ends, without blocking.
		buf := make([]byte, 64)
		commandFd := int(commandPty.follower.Fd())
		unix.SetNonblock(commandFd, true)
		if n, err := unix.Read(commandFd, buf); err == nil && n > 0 {
			gotInput = append(gotInput, buf[:n]...)
		}
		unix.SetNonblock(userPty.leader, true)
		if n, err := unix.Read(userPty.leader, buf); err == nil && n > 0 {
			gotOutput = append(gotOutput, buf[:n]...)
		}
	}

	if !bytes.Equal(gotInput, input) {
		t.Errorf("input relayed as %q, want %q", gotInput, input)
	}
	if !bytes.Equal(gotOutput, output) {
		t.Errorf("output relayed as %q, want %q", gotOutput, output)
	}
}
