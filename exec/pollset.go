// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import (
	"errors"

	"golang.org/x/sys/unix"
)

// eventID identifies one registered readiness interest in a pollSet.
type eventID int

// pollSet multiplexes descriptor readiness for the single-threaded
// event loops. Interests can be ignored and resumed without
// re-registering; an ignored entry keeps its slot (poll skips entries
// with a negative fd).
type pollSet struct {
	fds []unix.PollFd
}

func newPollSet() *pollSet {
	return &pollSet{}
}

// addRead registers a read interest for fd and returns its handle.
func (p *pollSet) addRead(fd int) eventID {
	return p.add(fd, unix.POLLIN)
}

// addWrite registers a write interest for fd and returns its handle.
func (p *pollSet) addWrite(fd int) eventID {
	return p.add(fd, unix.POLLOUT)
}

func (p *pollSet) add(fd int, events int16) eventID {
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	return eventID(len(p.fds) - 1)
}

// ignore stops polling the interest until resume is called.
func (p *pollSet) ignore(id eventID) {
	if p.fds[id].Fd > 0 {
		p.fds[id].Fd = -p.fds[id].Fd
	}
}

// resume restarts polling an ignored interest.
func (p *pollSet) resume(id eventID) {
	if p.fds[id].Fd < 0 {
		p.fds[id].Fd = -p.fds[id].Fd
	}
}

// ignored reports whether the interest is currently not being polled.
func (p *pollSet) ignored(id eventID) bool {
	return p.fds[id].Fd < 0
}

// wait blocks until at least one registered interest is ready and
// returns the ready handles, in registration order. EINTR is retried;
// the caller never sees it. Error and hangup conditions are reported
// as readiness so the owning loop observes EOF/EIO from the actual
// read or write.
func (p *pollSet) wait() ([]eventID, error) {
	for {
		n, err := unix.Poll(p.fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, err
		}
		if n == 0 {
			continue
		}

		ready := make([]eventID, 0, n)
		for i := range p.fds {
			if p.fds[i].Fd < 0 {
				continue
			}
			if p.fds[i].Revents&(p.fds[i].Events|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				ready = append(ready, eventID(i))
			}
			p.fds[i].Revents = 0
		}
		if len(ready) > 0 {
			return ready, nil
		}
	}
}
