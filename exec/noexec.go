// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Seccomp user-notification ABI. The ioctl numbers encode the struct
// sizes, which is why the structs below must match the kernel layout
// exactly.
const (
	seccompIoctlNotifRecv        = 0xc0502100
	seccompIoctlNotifSend        = 0xc0182101
	seccompUserNotifFlagContinue = 1
)

type seccompData struct {
	Nr                 int32
	Arch               uint32
	InstructionPointer uint64
	Args               [6]uint64
}

type seccompNotif struct {
	ID    uint64
	Pid   uint32
	Flags uint32
	Data  seccompData
}

type seccompNotifResp struct {
	ID    uint64
	Val   int64
	Error int32
	Flags uint32
}

// buildExecFilter constructs the BPF program that routes every exec
// attempt to the user-notification listener and allows everything
// else. The leading architecture check fails closed: a syscall made
// under any audit architecture other than the compile target is also
// routed to the listener, where all but the first request is denied.
func buildExecFilter() []unix.SockFilter {
	const (
		archOffset = 4 // offsetof(seccomp_data, arch)
		nrOffset   = 0 // offsetof(seccomp_data, nr)
	)
	return []unix.SockFilter{
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: archOffset},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: nativeAuditArch, Jt: 1, Jf: 0},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_USER_NOTIF},
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: nrOffset},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: unix.SYS_EXECVE, Jt: 1, Jf: 0},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, K: unix.SYS_EXECVEAT, Jt: 0, Jf: 1},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_USER_NOTIF},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_ALLOW},
	}
}

// installNoexecFilter loads the exec filter into the calling process
// and returns the kernel's notification descriptor. Must run in the
// command's process image before its exec; no_new_privs is required
// for an unprivileged seccomp load and is inherited by everything the
// command starts.
func installNoexecFilter() (int, error) {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return -1, fmt.Errorf("set no_new_privs: %w", err)
	}

	filter := buildExecFilter()
	program := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	fd, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		unix.SECCOMP_SET_MODE_FILTER,
		unix.SECCOMP_FILTER_FLAG_NEW_LISTENER,
		uintptr(unsafe.Pointer(&program)))
	if errno != 0 {
		return -1, fmt.Errorf("install seccomp filter: %w", errno)
	}
	return int(fd), nil
}

// sendNotifyFd passes the notification descriptor to the monitor over
// the inherited socketpair.
func sendNotifyFd(socket, notifyFd int) error {
	rights := unix.UnixRights(notifyFd)
	for {
		err := unix.Sendmsg(socket, []byte{0}, rights, nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("send notify descriptor: %w", err)
		}
		return nil
	}
}

// receiveNotifyFd receives the notification descriptor on the monitor
// side.
func receiveNotifyFd(socket int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		_, oobn, _, _, err := unix.Recvmsg(socket, buf, oob, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("receive notify descriptor: %w", err)
		}
		messages, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(messages) == 0 {
			return -1, fmt.Errorf("no control message with notify descriptor")
		}
		fds, err := unix.ParseUnixRights(&messages[0])
		if err != nil || len(fds) == 0 {
			return -1, fmt.Errorf("no descriptor in control message")
		}
		return fds[0], nil
	}
}

// noexecArbiter decides exec notifications: the first one is the
// command's own legitimate startup and passes, everything after is
// denied.
type noexecArbiter struct {
	allowedFirst bool
}

func (a *noexecArbiter) allow() bool {
	if a.allowedFirst {
		return false
	}
	a.allowedFirst = true
	return true
}

// serveNoexecNotifications answers exec notifications until the
// descriptor dies with the command. It holds one OS thread for the
// lifetime of the command; the recv ioctl blocks in the kernel and
// must not wander between threads.
func serveNoexecNotifications(notifyFd int, logger *slog.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer unix.Close(notifyFd)

	var arbiter noexecArbiter
	for {
		// The kernel requires a zeroed request buffer.
		var request seccompNotif
		if err := seccompIoctl(notifyFd, seccompIoctlNotifRecv, unsafe.Pointer(&request)); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Debug("noexec listener finished", "error", err)
			return
		}

		response := seccompNotifResp{ID: request.ID}
		if arbiter.allow() {
			response.Flags = seccompUserNotifFlagContinue
			logger.Debug("allowed initial exec", "pid", request.Pid)
		} else {
			response.Error = -int32(unix.EACCES)
			logger.Debug("denied exec attempt", "pid", request.Pid)
		}

		if err := seccompIoctl(notifyFd, seccompIoctlNotifSend, unsafe.Pointer(&response)); err != nil {
			// ENOENT: the target died before the verdict; keep serving.
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOENT) {
				continue
			}
			logger.Debug("noexec listener finished", "error", err)
			return
		}
	}
}

func seccompIoctl(fd int, request uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
