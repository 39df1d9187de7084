// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"os"
	"testing"
)

func TestPollSetReadAndWriteReadiness(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	poll := newPollSet()
	readID := poll.addRead(int(r.Fd()))
	writeID := poll.addWrite(int(w.Fd()))

	// An empty pipe is writable but not readable.
	ready, err := poll.wait()
	if err != nil {
		t.Fatal(err)
	}
	if !containsEvent(ready, writeID) {
		t.Error("write interest not ready on empty pipe")
	}
	if containsEvent(ready, readID) {
		t.Error("read interest ready on empty pipe")
	}

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	ready, err = poll.wait()
	if err != nil {
		t.Fatal(err)
	}
	if !containsEvent(ready, readID) {
		t.Error("read interest not ready after write")
	}
}

func TestPollSetIgnoreAndResume(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	poll := newPollSet()
	readID := poll.addRead(int(r.Fd()))
	writeID := poll.addWrite(int(w.Fd()))

	poll.ignore(writeID)
	if !poll.ignored(writeID) {
		t.Fatal("interest not marked ignored")
	}

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	ready, err := poll.wait()
	if err != nil {
		t.Fatal(err)
	}
	if containsEvent(ready, writeID) {
		t.Error("ignored interest reported ready")
	}
	if !containsEvent(ready, readID) {
		t.Error("active interest not reported")
	}

	poll.resume(writeID)
	if poll.ignored(writeID) {
		t.Fatal("interest still ignored after resume")
	}
	ready, err = poll.wait()
	if err != nil {
		t.Fatal(err)
	}
	if !containsEvent(ready, writeID) {
		t.Error("resumed interest not reported")
	}
}

func TestPollSetReportsHangupAsReadiness(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	poll := newPollSet()
	readID := poll.addRead(int(r.Fd()))
	w.Close()

	ready, err := poll.wait()
	if err != nil {
		t.Fatal(err)
	}
	if !containsEvent(ready, readID) {
		t.Error("hangup not reported as readiness")
	}
}

func containsEvent(events []eventID, id eventID) bool {
	for _, e := range events {
		if e == id {
			return true
		}
	}
	return false
}
