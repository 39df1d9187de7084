// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Pseudo-signal numbers carried on the backchannel alongside real
// ones. They tell the monitor to resume the command with SIGCONT and
// whether to hand it the terminal first.
const (
	sigContForeground unix.Signal = -2
	sigContBackground unix.Signal = -3
)

// terminalPlan is the initial terminal strategy, decided once before
// the monitor is spawned.
type terminalPlan struct {
	// foreground: the supervisor's process group owns the terminal.
	foreground bool
	// pipeline: stdin or stdout is not a terminal, so terminal modes
	// must not be disturbed.
	pipeline bool
	// execBg: pipeline invocation from a non-leader process group; the
	// command starts in the background and user input is not relayed.
	execBg bool
	// raw: enter raw mode before the command starts.
	raw bool
}

func planTerminal(foreground, stdinTerminal, stdoutTerminal, groupLeader bool) terminalPlan {
	plan := terminalPlan{foreground: foreground}
	if !stdinTerminal || !stdoutTerminal {
		plan.pipeline = true
		if !groupLeader {
			plan.execBg = true
		}
	}
	plan.raw = plan.foreground && !plan.pipeline && !plan.execBg
	return plan
}

// execPty supervises the command on a fresh pseudo-terminal. It owns
// the monitor's lifetime, the terminal relay, and the signal stream,
// and returns the command's terminal status.
func execPty(options Options, tty *userTerminal) (ExitReason, error) {
	logger := options.Logger
	defer tty.close()

	pt, err := openPty()
	if err != nil {
		return ExitReason{}, err
	}
	defer pt.close()

	if err := pt.chownToInvoker(os.Getuid(), options.TTYGroup); err != nil {
		logger.Debug("pty ownership unchanged", "error", err)
	}
	if err := tty.copySettingsTo(int(pt.follower.Fd())); err != nil {
		logger.Debug("terminal settings not copied to pty", "error", err)
	}
	if size, err := tty.size(); err == nil {
		if err := pt.resize(size); err != nil {
			logger.Debug("initial pty resize failed", "error", err)
		}
	}

	ownPgrp := unix.Getpgrp()
	foreground := false
	if group, err := tty.foregroundGroup(); err == nil {
		foreground = group == ownPgrp
	} else {
		logger.Debug("cannot determine foreground process group", "error", err)
	}
	plan := planTerminal(foreground,
		term.IsTerminal(int(os.Stdin.Fd())),
		term.IsTerminal(int(os.Stdout.Fd())),
		ownPgrp == os.Getpid())
	logger.Debug("terminal plan",
		"foreground", plan.foreground, "pipeline", plan.pipeline,
		"exec_bg", plan.execBg, "raw", plan.raw)

	controllerEnd, monitorEnd, err := newBackchannelPair()
	if err != nil {
		return ExitReason{}, err
	}
	defer controllerEnd.close()

	specRead, specWrite, err := os.Pipe()
	if err != nil {
		return ExitReason{}, fmt.Errorf("create spawn descriptor pipe: %w", err)
	}

	// Install the relay handlers before the monitor exists, so nothing
	// delivered during startup is lost.
	signals, err := newSignalStream(parentSignals)
	if err != nil {
		specRead.Close()
		specWrite.Close()
		monitorEnd.close()
		return ExitReason{}, err
	}
	defer signals.close()

	monitorPid, err := startMonitor(monitorEnd, specRead, pt.follower)
	monitorEnd.close()
	specRead.Close()
	pt.closeFollower()
	if err != nil {
		specWrite.Close()
		return ExitReason{}, err
	}

	spec := newSpawnSpec(options, plan.foreground && !plan.execBg)
	spec.TerminalStdin = term.IsTerminal(int(os.Stdin.Fd()))
	spec.TerminalStdout = term.IsTerminal(int(os.Stdout.Fd()))
	spec.TerminalStderr = term.IsTerminal(int(os.Stderr.Fd()))
	err = writeSpawnSpec(specWrite, spec)
	specWrite.Close()
	if err != nil {
		terminateProcess(monitorPid, false)
		return ExitReason{}, err
	}

	if plan.raw {
		if err := tty.makeRaw(); err != nil {
			logger.Debug("cannot enter raw mode", "error", err)
		}
	}

	poll := newPollSet()
	supervisor := &parentSupervisor{
		logger:      logger,
		tty:         tty,
		pt:          pt,
		backchannel: controllerEnd,
		signals:     signals,
		poll:        poll,
		monitorPid:  monitorPid,
		ownPgrp:     ownPgrp,
		plan:        plan,
		getpgid:     unix.Getpgid,
	}
	supervisor.backchannelReadID = poll.addRead(controllerEnd.fd)
	supervisor.backchannelWriteID = poll.addWrite(controllerEnd.fd)
	poll.ignore(supervisor.backchannelWriteID)
	supervisor.signalID = poll.addRead(signals.fd)
	supervisor.relay = newTtyRelay(tty, pt.leader, poll, logger)
	if plan.execBg {
		supervisor.relay.suppressInput()
	}

	if err := controllerEnd.sendBlocking(execCommandMessage().encode()); err != nil {
		terminateProcess(monitorPid, false)
		return ExitReason{}, fmt.Errorf("send exec green light: %w", err)
	}

	reason, err := supervisor.run()
	supervisor.teardown()
	return reason, err
}

// startMonitor re-executes this binary as the monitor process in a new
// session, with the pty follower as its controlling terminal. It
// consumes the monitor end of the backchannel: the controller's copy
// must go away so EOF detection works.
func startMonitor(monitorEnd *backchannel, specRead, follower *os.File) (int, error) {
	backFile := os.NewFile(uintptr(monitorEnd.fd), "backchannel")
	monitorEnd.fd = -1
	defer backFile.Close()

	process, err := os.StartProcess("/proc/self/exe",
		[]string{os.Args[0], MonitorCommand},
		&os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, backFile, specRead, follower},
			Sys: &syscall.SysProcAttr{
				Setsid:  true,
				Setctty: true,
				Ctty:    monitorFollowerFd,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("start monitor process: %w", err)
	}
	pid := process.Pid
	process.Release()
	return pid, nil
}

// parentSupervisor is the front controller's reactor state. It runs
// single-threaded: every handler is invoked from the poll loop.
type parentSupervisor struct {
	logger      *slog.Logger
	tty         *userTerminal
	pt          *pty
	backchannel *backchannel
	signals     *signalStream
	relay       *ttyRelay
	poll        *pollSet
	plan        terminalPlan

	backchannelReadID  eventID
	backchannelWriteID eventID
	signalID           eventID

	monitorPid int
	commandPid int // zero until reported, zero again once gone
	ownPgrp    int

	// queue holds signal messages awaiting a writable backchannel. The
	// write interest is polled only while it is non-empty.
	queue []monitorMessage

	exit    *ExitReason
	loopErr error
	done    bool

	getpgid func(pid int) (int, error)
}

func (p *parentSupervisor) run() (ExitReason, error) {
	for !p.done {
		ready, err := p.poll.wait()
		if err != nil {
			return ExitReason{}, fmt.Errorf("event wait: %w", err)
		}
		for _, id := range ready {
			switch id {
			case p.backchannelReadID:
				p.onBackchannelReadable()
			case p.backchannelWriteID:
				p.onBackchannelWritable()
			case p.signalID:
				p.onSignalReadable()
			default:
				p.relay.handleEvent(id)
			}
			if p.done {
				break
			}
		}
	}
	if p.loopErr != nil {
		return ExitReason{}, p.loopErr
	}
	if p.exit == nil {
		return ExitReason{}, errors.New("monitor exited without reporting a command status")
	}
	return *p.exit, nil
}

func (p *parentSupervisor) fail(err error) {
	p.loopErr = err
	p.done = true
}

// onBackchannelReadable decodes and reacts to exactly one monitor
// message. EOF is the normal end: the monitor process is gone.
func (p *parentSupervisor) onBackchannelReadable() {
	frame, err := p.backchannel.recvFrame()
	switch {
	case errors.Is(err, io.EOF):
		p.logger.Debug("backchannel closed by monitor")
		p.done = true
		return
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case err != nil:
		p.fail(fmt.Errorf("receive from monitor: %w", err))
		return
	}

	message, err := decodeParentMessage(frame)
	if err != nil {
		p.fail(err)
		return
	}
	p.logger.Debug("message from monitor", "message", message.String())

	switch message.kind {
	case kindPid:
		p.commandPid = int(message.data)
	case kindStatExit:
		p.commandPid = 0
		reason := commandExited(int(message.data))
		p.exit = &reason
		p.done = true
	case kindStatTerm:
		p.commandPid = 0
		reason := commandSignaled(unix.Signal(message.data))
		p.exit = &reason
		p.done = true
	case kindStatStop:
		p.suspendPty(unix.Signal(message.data))
	case kindIOError:
		p.fail(fmt.Errorf("command exec failed: %w", unix.Errno(message.data)))
	case kindShortRead:
		p.fail(errors.New("monitor reported a corrupted backchannel"))
	}
}

// onBackchannelWritable sends one queued signal message.
func (p *parentSupervisor) onBackchannelWritable() {
	if len(p.queue) == 0 {
		p.poll.ignore(p.backchannelWriteID)
		return
	}
	message := p.queue[0]
	err := p.backchannel.sendFrame(message.encode())
	switch {
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return
	case err != nil:
		p.fail(fmt.Errorf("send to monitor: %w", err))
		return
	}
	p.logger.Debug("message to monitor", "message", message.String())
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.poll.ignore(p.backchannelWriteID)
	}
}

// scheduleSignal queues a signal for the monitor and arms the write
// interest.
func (p *parentSupervisor) scheduleSignal(signal unix.Signal) {
	p.queue = append(p.queue, signalMessage(int32(signal)))
	p.poll.resume(p.backchannelWriteID)
}

// onSignalReadable drains the signal descriptor.
func (p *parentSupervisor) onSignalReadable() {
	for {
		signal, err := p.signals.recv()
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			p.fail(fmt.Errorf("read signal: %w", err))
			return
		}
		p.dispatchSignal(signal)
		if p.done {
			return
		}
	}
}

func (p *parentSupervisor) dispatchSignal(signal unix.Signal) {
	switch signal {
	case unix.SIGCHLD:
		p.reapMonitor()
	case unix.SIGWINCH:
		p.handleResize()
	case unix.SIGCONT:
		// Resume is handled synchronously inside suspendPty; a stray
		// SIGCONT here needs no relay.
	default:
		p.scheduleSignal(signal)
	}
}

// reapMonitor collects the monitor's wait status. Its death is not
// itself terminal; the backchannel EOF that follows ends the loop.
func (p *parentSupervisor) reapMonitor() {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(p.monitorPid, &status, unix.WNOHANG|unix.WUNTRACED, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid != p.monitorPid {
			return
		}
		switch {
		case status.Exited():
			p.logger.Debug("monitor exited", "code", status.ExitStatus())
		case status.Signaled():
			p.logger.Debug("monitor terminated", "signal", signalName(status.Signal()))
		}
		return
	}
}

// handleResize propagates the user terminal's new size to the pty; the
// kernel notifies the command's foreground group. A size read failing
// on a revoked terminal drops the terminal side of the relay.
func (p *parentSupervisor) handleResize() {
	size, err := p.tty.size()
	if err != nil {
		if _, sidErr := p.tty.sessionID(); sidErr != nil {
			p.logger.Debug("terminal revoked, dropping the relay", "error", sidErr)
			p.plan.foreground = false
			p.relay.dropTerminal()
			return
		}
		p.logger.Debug("cannot read terminal size", "error", err)
		return
	}
	if err := p.pt.resize(size); err != nil {
		p.logger.Debug("cannot resize pty", "error", err)
	}
}

// suspendPty handles a Stop status from the monitor: the command was
// stopped, so the supervisor stops its own process group symmetrically
// and resumes the command when it is itself resumed.
func (p *parentSupervisor) suspendPty(stop unix.Signal) {
	p.logger.Debug("command stopped", "signal", signalName(stop))

	// SIGTTIN/SIGTTOU while we already own the terminal: the command
	// raced a foreground change. Hand the terminal back and continue;
	// there is nothing to suspend.
	if stop == unix.SIGTTIN || stop == unix.SIGTTOU {
		if group, err := p.tty.foregroundGroup(); err == nil && group == p.ownPgrp {
			p.plan.foreground = true
			if !p.plan.pipeline && !p.plan.execBg {
				if err := p.tty.makeRaw(); err != nil {
					p.logger.Debug("cannot re-enter raw mode", "error", err)
				}
			}
			p.scheduleSignal(sigContForeground)
			return
		}
	}

	// Ignore SIGCONT while stopped. The kernel resumes us regardless
	// of disposition, but processing our own queued SIGCONT afterwards
	// would resume the command a second time.
	p.signals.ignore(unix.SIGCONT)

	if err := p.tty.restore(); err != nil {
		p.logger.Debug("cannot restore terminal before suspending", "error", err)
	}
	p.relay.ignoreEvents()

	// Suspending is only useful if something outside our process group
	// can resume us. An orphaned supervisor (parent gone, or parent in
	// our own group) would hang forever; terminate the command instead.
	parentGroup, err := p.getpgid(os.Getppid())
	if err != nil || parentGroup == p.ownPgrp {
		p.logger.Debug("no process group to resume us, terminating command")
		if p.commandPid != 0 {
			terminateProcess(p.commandPid, true)
		}
	} else {
		if stop != unix.SIGSTOP {
			p.signals.setDefault(stop)
		}
		// Stops right here until SIGCONT.
		unix.Kill(-p.ownPgrp, stop)
		if stop != unix.SIGSTOP {
			p.signals.restoreCatch(stop)
		}
	}

	p.signals.restoreCatch(unix.SIGCONT)

	p.resumeTerminal()
}

// resumeTerminal re-derives foreground state after a resume and tells
// the monitor how to continue the command. A revoked terminal drops
// the relay's terminal side and degrades to a background resume.
func (p *parentSupervisor) resumeTerminal() {
	if _, err := p.tty.sessionID(); err != nil {
		p.logger.Debug("terminal revoked, continuing without it", "error", err)
		p.plan.foreground = false
		p.relay.dropTerminal()
		p.scheduleSignal(sigContBackground)
		return
	}

	group, err := p.tty.foregroundGroup()
	if err != nil {
		p.logger.Debug("terminal unusable after resume", "error", err)
		p.plan.foreground = false
		p.scheduleSignal(sigContBackground)
		p.relay.resumeEvents()
		return
	}
	p.plan.foreground = group == p.ownPgrp

	if err := p.tty.copySettingsTo(p.pt.leader); err != nil {
		p.logger.Debug("terminal settings not re-copied to pty", "error", err)
	}

	if p.plan.foreground && !p.plan.pipeline && !p.plan.execBg {
		if err := p.tty.makeRaw(); err != nil {
			p.logger.Debug("cannot re-enter raw mode", "error", err)
		}
		p.scheduleSignal(sigContForeground)
	} else {
		p.scheduleSignal(sigContBackground)
	}
	p.relay.resumeEvents()
}

// teardown flushes pending output and restores the terminal. Raw mode
// is only undone while we still own the terminal; writing settings
// from the background would stop us with SIGTTOU.
func (p *parentSupervisor) teardown() {
	if err := p.relay.flushToTty(); err != nil {
		p.logger.Debug("could not flush pending output", "error", err)
	}
	if p.tty.rawState != nil {
		if group, err := p.tty.foregroundGroup(); err == nil && group == p.ownPgrp {
			if err := p.tty.restore(); err != nil {
				p.logger.Debug("could not restore terminal", "error", err)
			}
		}
	}
}
