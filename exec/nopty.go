// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// execNoPty supervises the command without a pseudo-terminal: the
// command inherits the supervisor's standard streams and shares its
// process group, so the terminal (if any) keeps doing its own job
// control. There is no monitor; the supervisor reaps and relays
// directly.
func execNoPty(options Options) (ExitReason, error) {
	logger := options.Logger

	signals, err := newSignalStream(parentSignals)
	if err != nil {
		return ExitReason{}, err
	}
	defer signals.close()

	specRead, specWrite, err := os.Pipe()
	if err != nil {
		return ExitReason{}, fmt.Errorf("create spawn descriptor pipe: %w", err)
	}
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		specRead.Close()
		specWrite.Close()
		return ExitReason{}, fmt.Errorf("create exec error pipe: %w", err)
	}

	notifyParent := -1
	var notifyChild *os.File
	if options.NoExec {
		pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			specRead.Close()
			specWrite.Close()
			errRead.Close()
			errWrite.Close()
			return ExitReason{}, fmt.Errorf("create notify socketpair: %w", err)
		}
		notifyParent = pair[0]
		notifyChild = os.NewFile(uintptr(pair[1]), "notify")
	}

	attr := &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, specRead, errWrite, notifyChild},
		Sys:   &syscall.SysProcAttr{},
	}
	if options.SetIdentity {
		attr.Sys.Credential = &syscall.Credential{
			Uid:    options.UID,
			Gid:    options.GID,
			Groups: options.Groups,
		}
	}
	process, err := os.StartProcess("/proc/self/exe",
		[]string{os.Args[0], StageCommand}, attr)
	specRead.Close()
	errWrite.Close()
	if notifyChild != nil {
		notifyChild.Close()
	}
	if err != nil {
		specWrite.Close()
		errRead.Close()
		if notifyParent >= 0 {
			unix.Close(notifyParent)
		}
		return ExitReason{}, fmt.Errorf("start command process: %w", err)
	}
	commandPid := process.Pid
	process.Release()
	defer errRead.Close()

	err = writeSpawnSpec(specWrite, newSpawnSpec(options, false))
	specWrite.Close()
	if err != nil {
		terminateProcess(commandPid, false)
		if notifyParent >= 0 {
			unix.Close(notifyParent)
		}
		return ExitReason{}, err
	}
	logger.Debug("command started", "pid", commandPid, "path", options.Path)

	if options.NoExec {
		notifyFd, err := receiveNotifyFd(notifyParent)
		unix.Close(notifyParent)
		if err != nil {
			terminateProcess(commandPid, false)
			return ExitReason{}, err
		}
		go serveNoexecNotifications(notifyFd, logger)
	}

	s := &noPtySupervisor{
		logger:     logger,
		signals:    signals,
		errpipe:    errRead,
		commandPid: commandPid,
	}
	return s.run()
}

type noPtySupervisor struct {
	logger  *slog.Logger
	signals *signalStream
	errpipe *os.File
	poll    *pollSet

	commandPid int

	errpipeID eventID
	signalID  eventID

	exit    *ExitReason
	loopErr error
	done    bool
}

func (s *noPtySupervisor) run() (ExitReason, error) {
	s.poll = newPollSet()
	s.errpipeID = s.poll.addRead(int(s.errpipe.Fd()))
	s.signalID = s.poll.addRead(s.signals.fd)

	for !s.done {
		ready, err := s.poll.wait()
		if err != nil {
			return ExitReason{}, fmt.Errorf("event wait: %w", err)
		}
		for _, id := range ready {
			switch id {
			case s.errpipeID:
				s.onErrpipeReadable()
			case s.signalID:
				s.onSignalReadable()
			}
			if s.done {
				break
			}
		}
	}
	if s.loopErr != nil {
		return ExitReason{}, s.loopErr
	}
	if s.exit == nil {
		return ExitReason{}, errors.New("command vanished without a wait status")
	}
	return *s.exit, nil
}

func (s *noPtySupervisor) onErrpipeReadable() {
	var buf [4]byte
	n, err := s.errpipe.Read(buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case err != nil || n == 0:
		// EOF: the exec succeeded and close-on-exec took the pipe.
		s.poll.ignore(s.errpipeID)
		return
	}
	errno := unix.Errno(binary.NativeEndian.Uint32(buf[:]))
	s.loopErr = fmt.Errorf("command exec failed: %w", errno)
	s.done = true
}

func (s *noPtySupervisor) onSignalReadable() {
	for {
		signal, err := s.signals.recv()
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			s.loopErr = fmt.Errorf("read signal: %w", err)
			s.done = true
			return
		}
		s.dispatchSignal(signal)
		if s.done {
			return
		}
	}
}

func (s *noPtySupervisor) dispatchSignal(signal unix.Signal) {
	switch signal {
	case unix.SIGCHLD:
		s.handleSigchld()
	case unix.SIGCONT:
	case unix.SIGALRM:
		terminateProcess(s.commandPid, false)
	default:
		// Same process group: target the command pid directly.
		if s.commandPid != 0 {
			unix.Kill(s.commandPid, signal)
		}
	}
}

func (s *noPtySupervisor) handleSigchld() {
	if s.commandPid == 0 {
		return
	}
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(s.commandPid,
			&status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid != s.commandPid {
			return
		}
		break
	}

	switch {
	case status.Exited():
		reason := commandExited(status.ExitStatus())
		s.exit = &reason
		s.commandPid = 0
		s.done = true
	case status.Signaled():
		reason := commandSignaled(status.Signal())
		s.exit = &reason
		s.commandPid = 0
		s.done = true
	case status.Stopped():
		s.suspend(status.StopSignal())
	}
}

// suspend mirrors the command's stop onto the supervisor itself and
// resumes the command once the supervisor is resumed. Command and
// supervisor share a process group here, so only the supervisor's own
// pid is stopped explicitly.
func (s *noPtySupervisor) suspend(stop unix.Signal) {
	s.logger.Debug("command stopped", "signal", signalName(stop))

	if stop != unix.SIGSTOP {
		s.signals.setDefault(stop)
	}
	// Stops right here until SIGCONT.
	unix.Kill(os.Getpid(), stop)
	if stop != unix.SIGSTOP {
		s.signals.restoreCatch(stop)
	}

	if s.commandPid != 0 {
		unix.Kill(s.commandPid, unix.SIGCONT)
	}
}
