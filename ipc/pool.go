// Package ipc implements the local transport between the process controller
// and its function workers: a pooled-buffer, framed channel over a pair of
// OS pipes (spec.md §4.2, §4.3).
//
// Grounded conceptually on the teacher's memsys buffer-pool idea (bounded
// queue of reusable, capacity-tracked byte buffers) — reimplemented here
// directly over []byte rather than memsys's slab/SGL machinery, since this
// channel only ever needs single contiguous buffers, not scatter-gather.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import "sync"

// DefaultBufSize is the smallest buffer Retrieve ever hands out; it matches
// a single wire.Frame plus a typical small invocation payload.
const DefaultBufSize = 4 * 1024

// Buffer is a move-only, reusable byte buffer with independent capacity and
// length (spec.md §4.3): `len` resets to 0 on Return, `cap` is preserved so
// the next Retrieve of an equal-or-smaller size can reuse the allocation.
type Buffer struct {
	b []byte // cap(b) is the buffer's capacity; b[:len] is the live view
}

func (buf *Buffer) Bytes() []byte    { return buf.b }
func (buf *Buffer) Len() int         { return len(buf.b) }
func (buf *Buffer) Cap() int         { return cap(buf.b) }
func (buf *Buffer) Grow(n int) []byte {
	if n > cap(buf.b) {
		nb := make([]byte, n)
		copy(nb, buf.b)
		buf.b = nb
	} else {
		buf.b = buf.b[:n]
	}
	return buf.b
}

// Pool is a bounded queue of owned buffers (spec.md §4.3).
type Pool struct {
	mu   sync.Mutex
	free []*Buffer
	max  int
}

func NewPool(maxIdle int) *Pool { return &Pool{max: maxIdle} }

// Retrieve returns a buffer whose capacity is >= size, allocating a new one
// if the free list is empty or every idle buffer is too small.
func (p *Pool) Retrieve(size int) *Buffer {
	if size < DefaultBufSize {
		size = DefaultBufSize
	}
	p.mu.Lock()
	for i, b := range p.free {
		if cap(b.b) >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			p.mu.Unlock()
			b.b = b.b[:size]
			return b
		}
	}
	p.mu.Unlock()
	return &Buffer{b: make([]byte, size)}
}

// Return zeros the buffer's length and pushes it back onto the free list.
func (p *Pool) Return(b *Buffer) {
	b.b = b.b[:0]
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.max && p.max > 0 {
		return // drop it; GC reclaims
	}
	p.free = append(p.free, b)
}
