// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package exec

import "golang.org/x/sys/unix"

// ringBufferSize is the per-direction relay buffer capacity. 8 KiB
// comfortably covers interactive traffic and paste bursts; a full
// buffer simply pauses reading that direction until the writer drains.
const ringBufferSize = 8 * 1024

// ringBuffer is a fixed-capacity byte queue between one readable and
// one writable descriptor. It reads and writes directly with unix.Read
// and unix.Write so the event loop sees EAGAIN rather than parking a
// goroutine in the runtime poller.
type ringBuffer struct {
	storage [ringBufferSize]byte
	start   int
	length  int
}

func (r *ringBuffer) empty() bool {
	return r.length == 0
}

func (r *ringBuffer) full() bool {
	return r.length == ringBufferSize
}

// insert reads once from fd into the free region of the buffer and
// returns the number of bytes added. Zero with a nil error is
// end-of-stream on fd.
func (r *ringBuffer) insert(fd int) (int, error) {
	if r.full() {
		return 0, nil
	}

	// Free space is one contiguous region, or two when it wraps; fill
	// the first region only and let the next readiness event fill the
	// rest.
	var free []byte
	switch end := (r.start + r.length) % ringBufferSize; {
	case r.length == 0:
		r.start = 0
		free = r.storage[:]
	case end > r.start:
		free = r.storage[end:]
	default:
		free = r.storage[end:r.start]
	}

	n, err := unix.Read(fd, free)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	r.length += n
	return n, nil
}

// remove writes once from the filled region of the buffer to fd and
// returns the number of bytes drained.
func (r *ringBuffer) remove(fd int) (int, error) {
	if r.empty() {
		return 0, nil
	}

	filled := r.storage[r.start:]
	if r.start+r.length < ringBufferSize {
		filled = r.storage[r.start : r.start+r.length]
	}

	n, err := unix.Write(fd, filled)
	if err != nil {
		return 0, err
	}
	r.start = (r.start + n) % ringBufferSize
	r.length -= n
	if r.length == 0 {
		r.start = 0
	}
	return n, nil
}
