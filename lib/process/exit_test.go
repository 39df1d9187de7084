// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"os"
	osexec "os/exec"
	"syscall"
	"testing"
)

// The exit helpers terminate the process, so each test re-executes the
// test binary as a child and inspects its wait status.
const exitTestModeEnv = "EXIT_TEST_MODE"

func TestMain(m *testing.M) {
	switch os.Getenv(exitTestModeEnv) {
	case "code":
		ExitCode(7)
	case "signal":
		MirrorSignal(syscall.SIGKILL)
	case "term":
		MirrorSignal(syscall.SIGTERM)
	}
	os.Exit(m.Run())
}

func runExitHelper(t *testing.T, mode string) error {
	t.Helper()
	cmd := osexec.Command(os.Args[0], "-test.run=TestMain")
	cmd.Env = append(os.Environ(), exitTestModeEnv+"="+mode)
	return cmd.Run()
}

func TestExitCodeMirrored(t *testing.T) {
	err := runExitHelper(t, "code")
	var exitErr *osexec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("child error = %v, want ExitError", err)
	}
	if exitErr.ExitCode() != 7 {
		t.Errorf("exit code = %d, want 7", exitErr.ExitCode())
	}
}

func TestMirrorSignalKillsWithSameSignal(t *testing.T) {
	for _, c := range []struct {
		mode string
		want syscall.Signal
	}{
		{"signal", syscall.SIGKILL},
		{"term", syscall.SIGTERM},
	} {
		t.Run(c.want.String(), func(t *testing.T) {
			err := runExitHelper(t, c.mode)
			var exitErr *osexec.ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("child error = %v, want ExitError", err)
			}
			status, ok := exitErr.Sys().(syscall.WaitStatus)
			if !ok {
				t.Fatalf("wait status unavailable: %#v", exitErr.Sys())
			}
			if !status.Signaled() || status.Signal() != c.want {
				t.Errorf("wait status = %v, want killed by %s", status, c.want)
			}
		})
	}
}
