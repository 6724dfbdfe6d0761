// Package ipc — the framed, stateful channel between a process controller
// and one function worker (spec.md §4.2). Each worker owns two of these:
// one where the controller writes and the worker reads, one the other way.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import (
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/NVIDIA/aislambda/wire"
)

// Channel wraps one direction of a worker pipe. Receive is stateful so that
// a caller polling a non-blocking fd can call it repeatedly and get
// `complete=false` until a full frame+payload has been assembled.
type Channel struct {
	r    io.Reader
	w    io.Writer
	pool *Pool
	c    io.Closer

	// receive state
	haveHeader bool
	hdr        wire.Frame
	remaining  int
	payload    *Buffer
}

func NewChannel(rw io.ReadWriter, pool *Pool) *Channel {
	ch := &Channel{r: rw, w: rw, pool: pool}
	if c, ok := rw.(io.Closer); ok {
		ch.c = c
	}
	return ch
}

// Fd exposes the underlying read descriptor for epoll registration, or
// (-1, false) if the channel isn't backed by one (e.g. in tests using
// in-memory pipes without an Fd method).
func (ch *Channel) Fd() (int, bool) {
	type fder interface{ Fd() int }
	f, ok := ch.r.(fder)
	if !ok {
		return -1, false
	}
	fd := f.Fd()
	return fd, fd >= 0
}

// LastFrame returns the header most recently assembled by Receive, letting
// a caller decode tag-specific fields (e.g. wire.AsPutMessage) once a
// message completes. Valid until the next Receive call starts a new one.
func (ch *Channel) LastFrame() wire.Frame { return ch.hdr }

func (ch *Channel) Close() error {
	if ch.c != nil {
		return ch.c.Close()
	}
	return nil
}

// Send writes header+payload. Writes to the underlying pipe are retried a
// bounded number of times on transient backpressure (EAGAIN); any other
// error fails the send outright (spec.md §4.2, §5).
func (ch *Channel) Send(f *wire.Frame, payload []byte) error {
	f.SetTotalLength(uint32(len(payload)))
	if err := writeAllRetry(ch.w, f[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := writeAllRetry(ch.w, payload); err != nil {
			return err
		}
	}
	return nil
}

func writeAllRetry(w io.Writer, b []byte) error {
	const maxRetries = 64
	retries := 0
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err == nil {
			continue
		}
		if errors.Is(err, syscall.EAGAIN) && retries < maxRetries {
			retries++
			time.Sleep(50 * time.Microsecond)
			continue
		}
		return err
	}
	return nil
}

// Receive assembles one complete message, called from a poll loop
// (epoll-readiness on the underlying fd). When no header is buffered, a call
// reads the full 128-byte header with io.ReadFull, then makes at most one
// Read of the payload; it reports complete=false while payload bytes are
// still missing.
func (ch *Channel) Receive() (complete bool, tag wire.Tag, payload *Buffer, err error) {
	if !ch.haveHeader {
		n, rerr := io.ReadFull(ch.r, ch.hdr[:])
		if n == 0 && rerr != nil {
			return false, 0, nil, rerr
		}
		if rerr != nil {
			return false, 0, nil, rerr
		}
		// IPC is a local, trusted pipe (unlike the TCP wire server), and
		// carries its own tag taxonomy layered on top of wire's (see
		// TagPutRequest et al. below) — skip wire.Parse's tag-range gate,
		// which only applies to the untrusted-network surface.
		tag = ch.hdr.Tag()
		ch.haveHeader = true
		ch.remaining = int(ch.hdr.TotalLength())
		if ch.remaining == 0 {
			ch.haveHeader = false
			return true, tag, nil, nil
		}
		ch.payload = ch.pool.Retrieve(ch.remaining)
		ch.payload.Grow(ch.remaining)
	}
	if ch.remaining > 0 {
		n, rerr := ch.r.Read(ch.payload.Bytes()[ch.payload.Len()-ch.remaining:])
		ch.remaining -= n
		if rerr != nil && ch.remaining > 0 {
			return false, ch.hdr.Tag(), nil, rerr
		}
	}
	if ch.remaining == 0 {
		tag = ch.hdr.Tag()
		payload = ch.payload
		ch.haveHeader = false
		ch.payload = nil
		return true, tag, payload, nil
	}
	return false, ch.hdr.Tag(), nil, nil
}

// BlockingReceive returns exactly one full message, blocking until it's
// assembled; the payload is the bytes of a pool buffer that is not handed
// back to the pool. Used by the process TCP server's per-connection read
// loop, which has nothing else to do meanwhile.
func (ch *Channel) BlockingReceive() (tag wire.Tag, payload []byte, err error) {
	for {
		complete, t, buf, rerr := ch.Receive()
		if rerr != nil {
			return t, nil, rerr
		}
		if complete {
			if buf == nil {
				return t, nil, nil
			}
			return t, buf.Bytes(), nil
		}
	}
}
