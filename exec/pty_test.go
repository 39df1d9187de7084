// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenPty(t *testing.T) {
	pt, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer pt.close()

	if pt.leader < 0 || pt.follower == nil {
		t.Fatal("pty pair incomplete")
	}
	if pt.path == "" {
		t.Fatal("follower path not recorded")
	}

	want := &unix.Winsize{Row: 24, Col: 80}
	if err := pt.resize(want); err != nil {
		t.Fatalf("resize: %v", err)
	}
	got, err := unix.IoctlGetWinsize(pt.leader, unix.TIOCGWINSZ)
	if err != nil {
		t.Fatalf("get size: %v", err)
	}
	if got.Row != want.Row || got.Col != want.Col {
		t.Errorf("size = %dx%d, want %dx%d", got.Row, got.Col, want.Row, want.Col)
	}
}

func TestRawModeToggle(t *testing.T) {
	pt, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer pt.close()

	terminal := &userTerminal{fd: int(pt.follower.Fd())}

	if err := terminal.makeRaw(); err != nil {
		t.Fatalf("makeRaw: %v", err)
	}
	if terminal.rawState == nil {
		t.Fatal("raw state not saved")
	}
	// Re-entering raw mode must be a no-op, not a second save.
	saved := terminal.rawState
	if err := terminal.makeRaw(); err != nil {
		t.Fatalf("second makeRaw: %v", err)
	}
	if terminal.rawState != saved {
		t.Error("raw state overwritten on re-entry")
	}

	if err := terminal.restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if terminal.rawState != nil {
		t.Error("raw state not cleared after restore")
	}

	settings, err := unix.IoctlGetTermios(terminal.fd, unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	if settings.Lflag&unix.ICANON == 0 {
		t.Error("canonical mode not restored")
	}
}

func TestCopySettings(t *testing.T) {
	a, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer a.close()
	b, err := openPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer b.close()

	source := &userTerminal{fd: int(a.follower.Fd())}
	if err := source.makeRaw(); err != nil {
		t.Fatal(err)
	}
	if err := source.copySettingsTo(int(b.follower.Fd())); err != nil {
		t.Fatalf("copySettingsTo: %v", err)
	}

	settings, err := unix.IoctlGetTermios(int(b.follower.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	if settings.Lflag&unix.ICANON != 0 {
		t.Error("raw discipline not copied")
	}
}
