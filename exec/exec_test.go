// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"os"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

func TestExitReason(t *testing.T) {
	exited := commandExited(7)
	if code, ok := exited.Code(); !ok || code != 7 {
		t.Errorf("Code() = %d, %v", code, ok)
	}
	if _, ok := exited.Signal(); ok {
		t.Error("exited reason reports a signal")
	}
	if exited.String() != "exit code 7" {
		t.Errorf("String() = %q", exited.String())
	}

	killed := commandSignaled(unix.SIGKILL)
	if signal, ok := killed.Signal(); !ok || signal != unix.SIGKILL {
		t.Errorf("Signal() = %v, %v", signal, ok)
	}
	if _, ok := killed.Code(); ok {
		t.Error("signaled reason reports an exit code")
	}
}

func TestSpawnSpecArgv(t *testing.T) {
	spec := spawnSpec{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "id"}}
	if got := spec.argv(); !reflect.DeepEqual(got, []string{"/bin/sh", "-c", "id"}) {
		t.Errorf("argv = %v", got)
	}

	spec.Arg0 = "-sh"
	if got := spec.argv(); !reflect.DeepEqual(got, []string{"-sh", "-c", "id"}) {
		t.Errorf("argv with override = %v", got)
	}

	empty := spawnSpec{Path: "/bin/true"}
	if got := empty.argv(); !reflect.DeepEqual(got, []string{"/bin/true"}) {
		t.Errorf("argv with no args = %v", got)
	}
}

func TestSpawnSpecCrossesPipe(t *testing.T) {
	read, write, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer read.Close()

	want := newSpawnSpec(Options{
		Path:        "/usr/bin/id",
		Args:        []string{"/usr/bin/id", "-u"},
		Arg0:        "-id",
		Dir:         "/root",
		DirRequired: true,
		UID:         0,
		GID:         0,
		Groups:      []uint32{0, 4},
		SetIdentity: true,
		Umask:       0o022,
		SetUmask:    true,
		NoExec:      true,
	}, true)
	want.TerminalStdin = true

	if err := writeSpawnSpec(write, want); err != nil {
		t.Fatal(err)
	}
	write.Close()

	got, err := readSpawnSpec(read)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("descriptor changed in transit:\ngot  %+v\nwant %+v", got, want)
	}
}
