// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// tcsetpgrp sets the terminal's foreground process group.
func tcsetpgrp(fd, pgrp int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgrp)
}

// Monitor is the entry point of the re-executed monitor process. It
// runs in a fresh session with the pty follower as its controlling
// terminal, inheriting the backchannel on descriptor 3, the spawn
// descriptor pipe on 4, and the follower on 5. It spawns the command
// through the exec stage, relays signals from the controller, and
// reports every observed status transition back.
func Monitor(logger *slog.Logger) error {
	backchannel, err := newBackchannelFromFd(monitorBackchannelFd)
	if err != nil {
		return err
	}
	defer backchannel.close()

	specFile := os.NewFile(uintptr(monitorSpecFd), "spawn descriptor")
	spec, err := readSpawnSpec(specFile)
	specFile.Close()
	if err != nil {
		return err
	}

	// The controller's spawning thread mask survived the re-exec; drop
	// it so caught signals can actually be delivered.
	if err := clearSignalMask(); err != nil {
		return err
	}
	signals, err := newSignalStream(monitorSignals)
	if err != nil {
		return err
	}
	defer signals.close()

	// The exec barrier: the controller sends the green light only once
	// its own signal handling is in place.
	frame, err := backchannel.recvBlocking()
	if err != nil {
		return fmt.Errorf("await exec green light: %w", err)
	}
	message, err := decodeMonitorMessage(frame)
	if err != nil {
		return err
	}
	if message.kind != kindExecCommand {
		return fmt.Errorf("expected exec green light, got %s", message.String())
	}

	m := &monitorRelay{
		logger:      logger,
		backchannel: backchannel,
		signals:     signals,
		// The File wrapper stays referenced for the monitor's lifetime
		// so its finalizer cannot close the controlling terminal.
		followerFile: os.NewFile(uintptr(monitorFollowerFd), "pty follower"),
		followerFd:   monitorFollowerFd,
		ownPgrp:      unix.Getpgrp(),
	}
	return m.run(spec)
}

// monitorRelay is the monitor's reactor state.
type monitorRelay struct {
	logger      *slog.Logger
	backchannel *backchannel
	signals     *signalStream
	poll        *pollSet
	errpipe     *os.File

	followerFile *os.File
	followerFd   int
	commandPid   int
	ownPgrp      int

	backchannelID eventID
	errpipeID     eventID
	signalID      eventID

	done bool
}

func (m *monitorRelay) run(spec spawnSpec) error {
	notifyParent, err := m.spawnStage(spec)
	if err != nil {
		// The controller cannot distinguish spawn failure from exec
		// failure; both arrive as an I/O error message.
		m.reportSpawnError(err)
		return err
	}
	m.logger.Debug("command started", "pid", m.commandPid, "path", spec.Path)

	if spec.NoExec {
		notifyFd, err := receiveNotifyFd(notifyParent)
		unix.Close(notifyParent)
		if err != nil {
			terminateProcess(m.commandPid, true)
			m.reportSpawnError(err)
			return err
		}
		go serveNoexecNotifications(notifyFd, m.logger)
	}

	if err := m.backchannel.sendBlocking(commandPidMessage(m.commandPid).encode()); err != nil {
		terminateProcess(m.commandPid, true)
		return fmt.Errorf("report command pid: %w", err)
	}

	m.poll = newPollSet()
	m.backchannelID = m.poll.addRead(m.backchannel.fd)
	m.errpipeID = m.poll.addRead(int(m.errpipe.Fd()))
	m.signalID = m.poll.addRead(m.signals.fd)

	for !m.done {
		ready, err := m.poll.wait()
		if err != nil {
			terminateProcess(m.commandPid, true)
			return fmt.Errorf("monitor event wait: %w", err)
		}
		for _, id := range ready {
			switch id {
			case m.backchannelID:
				m.onBackchannelReadable()
			case m.errpipeID:
				m.onErrpipeReadable()
			case m.signalID:
				m.onSignalReadable()
			}
			if m.done {
				break
			}
		}
	}

	// Take the terminal back so anything we print during teardown does
	// not stop us.
	if err := tcsetpgrp(m.followerFd, m.ownPgrp); err != nil {
		m.logger.Debug("cannot reclaim pty foreground", "error", err)
	}
	return nil
}

// spawnStage starts the command through the pre-exec stage: a re-exec
// of this binary that applies umask and working directory, installs
// the noexec filter when requested, and reports exec failures on a
// dedicated pipe. Returns the monitor end of the noexec notify
// socketpair, or -1 when noexec is off.
func (m *monitorRelay) spawnStage(spec spawnSpec) (int, error) {
	specRead, specWrite, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("create stage descriptor pipe: %w", err)
	}
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		specRead.Close()
		specWrite.Close()
		return -1, fmt.Errorf("create exec error pipe: %w", err)
	}

	notifyParent := -1
	var notifyChild *os.File
	if spec.NoExec {
		pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			specRead.Close()
			specWrite.Close()
			errRead.Close()
			errWrite.Close()
			return -1, fmt.Errorf("create notify socketpair: %w", err)
		}
		notifyParent = pair[0]
		notifyChild = os.NewFile(uintptr(pair[1]), "notify")
	}

	stream := func(terminal bool, inherited *os.File) *os.File {
		if terminal {
			return m.followerFile
		}
		return inherited
	}

	attr := &os.ProcAttr{
		Files: []*os.File{
			stream(spec.TerminalStdin, os.Stdin),
			stream(spec.TerminalStdout, os.Stdout),
			stream(spec.TerminalStderr, os.Stderr),
			specRead,
			errWrite,
			notifyChild,
		},
		Sys: &syscall.SysProcAttr{Setpgid: true},
	}
	if spec.SetIdentity {
		attr.Sys.Credential = &syscall.Credential{
			Uid:    spec.UID,
			Gid:    spec.GID,
			Groups: spec.Groups,
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
		return -1, fmt.Errorf("start command process: %w", err)
	}
	m.commandPid = process.Pid
	process.Release()
	m.errpipe = errRead

	// The command runs in its own process group; hand it the terminal
	// before releasing the stage. The descriptor write is the stage's
	// cue to proceed, so the foreground change is ordered before the
	// exec.
	if spec.Foreground {
		if err := tcsetpgrp(m.followerFd, m.commandPid); err != nil {
			m.logger.Debug("cannot set command as pty foreground", "error", err)
		}
	}
	err = writeSpawnSpec(specWrite, spec)
	specWrite.Close()
	if err != nil {
		terminateProcess(m.commandPid, true)
		errRead.Close()
		if notifyParent >= 0 {
			unix.Close(notifyParent)
		}
		return -1, err
	}
	return notifyParent, nil
}

// reportSpawnError forwards a setup failure as an I/O error message,
// best effort.
func (m *monitorRelay) reportSpawnError(err error) {
	errno := unix.EIO
	var e unix.Errno
	if errors.As(err, &e) {
		errno = e
	}
	if err := m.backchannel.sendBlocking(ioErrorMessage(errno).encode()); err != nil {
		m.logger.Debug("cannot report spawn failure", "error", err)
	}
}

// onBackchannelReadable processes one controller message. EOF means
// the controller died; the command must not be left running half
// supervised.
func (m *monitorRelay) onBackchannelReadable() {
	frame, err := m.backchannel.recvFrame()
	switch {
	case errors.Is(err, io.EOF):
		m.logger.Debug("controller gone, terminating command")
		terminateProcess(m.commandPid, true)
		m.done = true
		return
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case errors.Is(err, errShortRead):
		if err := m.backchannel.sendBlocking(shortReadMessage().encode()); err != nil {
			m.logger.Debug("cannot report short read", "error", err)
		}
		return
	case err != nil:
		m.logger.Debug("backchannel read failed", "error", err)
		terminateProcess(m.commandPid, true)
		m.done = true
		return
	}

	message, err := decodeMonitorMessage(frame)
	if err != nil {
		m.logger.Debug("undecodable controller message", "error", err)
		return
	}
	m.logger.Debug("message from controller", "message", message.String())
	if message.kind == kindSignal {
		m.sendSignalToCommand(unix.Signal(message.data))
	}
}

// sendSignalToCommand delivers a relayed signal to the command's
// process group. The continue pseudo-signals arbitrate the pty
// foreground first; SIGALRM is the controller's command-timeout
// convention and escalates to termination.
func (m *monitorRelay) sendSignalToCommand(signal unix.Signal) {
	if m.commandPid == 0 {
		return
	}
	switch signal {
	case sigContForeground:
		if err := tcsetpgrp(m.followerFd, m.commandPid); err != nil {
			m.logger.Debug("cannot foreground command for resume", "error", err)
		}
		unix.Kill(-m.commandPid, unix.SIGCONT)
	case sigContBackground:
		if err := tcsetpgrp(m.followerFd, m.ownPgrp); err != nil {
			m.logger.Debug("cannot background command for resume", "error", err)
		}
		unix.Kill(-m.commandPid, unix.SIGCONT)
	case unix.SIGALRM:
		terminateProcess(m.commandPid, true)
	default:
		unix.Kill(-m.commandPid, signal)
	}
}

// onErrpipeReadable handles the stage's exec verdict. Data is a raw
// errno from a failed exec; EOF means the exec succeeded and the
// close-on-exec pipe vanished.
func (m *monitorRelay) onErrpipeReadable() {
	var buf [4]byte
	n, err := m.errpipe.Read(buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case err != nil || n == 0:
		m.poll.ignore(m.errpipeID)
		return
	}
	errno := unix.Errno(binary.NativeEndian.Uint32(buf[:]))
	m.logger.Debug("command exec failed", "errno", errno.Error())
	if err := m.backchannel.sendBlocking(ioErrorMessage(errno).encode()); err != nil {
		m.logger.Debug("cannot report exec failure", "error", err)
	}
	m.poll.ignore(m.errpipeID)
}

func (m *monitorRelay) onSignalReadable() {
	for {
		signal, err := m.signals.recv()
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			m.logger.Debug("signal read failed", "error", err)
			return
		}
		if signal == unix.SIGCHLD {
			m.handleSigchld()
		} else {
			m.sendSignalToCommand(signal)
		}
		if m.done {
			return
		}
	}
}

// handleSigchld reaps the command and reports each observed
// transition. An exit or termination is terminal for the monitor.
func (m *monitorRelay) handleSigchld() {
	if m.commandPid == 0 {
		return
	}
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(m.commandPid,
			&status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid != m.commandPid {
			return
		}
		break
	}

	message, report, terminal := statusFromWait(status)
	if !report {
		return
	}
	m.logger.Debug("command status", "status", message.String())
	if err := m.backchannel.sendBlocking(message.encode()); err != nil {
		m.logger.Debug("cannot report command status", "error", err)
	}
	if terminal {
		m.commandPid = 0
		m.done = true
	}
}

// statusFromWait maps a wait status to the backchannel message it
// produces. Continued states are observed but not reported; the
// controller drives resumption itself.
func statusFromWait(status unix.WaitStatus) (message parentMessage, report, terminal bool) {
	switch {
	case status.Exited():
		return commandExitMessage(status.ExitStatus()), true, true
	case status.Signaled():
		return commandTermMessage(status.Signal()), true, true
	case status.Stopped():
		return commandStopMessage(status.StopSignal()), true, false
	default:
		return parentMessage{}, false, false
	}
}
