// Package queue implements the per-process work queue: a FIFO of pending
// invocations plus a map of active (dispatched but not finished)
// invocations, gated by each function's trigger (spec.md §3, §4.5).
//
// Grounded on the teacher's xaction-pending-list idiom (a doubly-indexed
// pending set consulted by a single driver goroutine); adapted here from
// xaction admission control to trigger-gated invocation admission.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package queue

import (
	"container/list"
	"time"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/mono"
	"github.com/NVIDIA/aislambda/process/function"
)

// Invocation is one request awaiting or undergoing dispatch (spec.md §3).
type Invocation struct {
	ID           string
	FunctionName string
	SourceKind   byte
	SourceID     string
	Payloads     [][]byte

	start int64         // mono, stamped on admission
	elem  *list.Element // position in Queue.pending, nil once dispatched
}

func (inv *Invocation) PayloadCount() int { return len(inv.Payloads) }

// Elapsed reports time since admission; meaningful once finished.
func (inv *Invocation) Elapsed() time.Duration { return time.Duration(mono.NanoTime() - inv.start) }

// Queue is not safe for concurrent use: owned exclusively by the process
// controller's event-loop goroutine (spec.md §5).
type Queue struct {
	reg     *function.Registry
	pending *list.List
	active  map[string]*Invocation // by Invocation.ID
}

func New(reg *function.Registry) *Queue {
	return &Queue{
		reg:     reg,
		pending: list.New(),
		active:  make(map[string]*Invocation),
	}
}

var _ function.QueueView = (*Queue)(nil)

// Lookup satisfies function.QueueView so a multi-source/dependency trigger
// (once implemented) can consult sibling invocations by key.
func (q *Queue) Lookup(key string) (function.InvocationView, bool) {
	inv, ok := q.active[key]
	if ok {
		return inv, true
	}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		inv := e.Value.(*Invocation)
		if inv.ID == key {
			return inv, true
		}
	}
	return nil, false
}

// AddPayload enqueues inv's function argument. Unknown functions and
// not-yet-implemented trigger kinds are rejected at submission time rather
// than admitted and left permanently unready (spec.md §4.4, §4.5, §7).
func (q *Queue) AddPayload(inv *Invocation) error {
	if view, ok := q.Lookup(inv.ID); ok {
		// an invocation under this key already exists: append the payload
		// (multi-argument triggers accumulate arguments under one id)
		existing := view.(*Invocation)
		existing.Payloads = append(existing.Payloads, inv.Payloads...)
		return nil
	}
	entry, err := q.reg.Get(inv.FunctionName)
	if err != nil {
		return err
	}
	if !function.IsImplemented(entry.Trigger) {
		return cos.NewErrNotImplemented("trigger kind " + entry.Trigger.Kind())
	}
	inv.start = mono.NanoTime()
	inv.elem = q.pending.PushBack(inv)
	return nil
}

// Next pops and returns the first pending invocation whose trigger reports
// ready, moving it to active. Returns false if no invocation is ready.
func (q *Queue) Next() (*Invocation, bool) {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		inv := e.Value.(*Invocation)
		entry, err := q.reg.Get(inv.FunctionName)
		if err != nil {
			continue // function was deleted out from under a queued invocation
		}
		if !entry.Trigger.Ready(inv, q) {
			continue
		}
		q.pending.Remove(e)
		inv.elem = nil
		q.active[inv.ID] = inv
		return inv, true
	}
	return nil, false
}

// Finish removes the entry from active and returns the completed
// invocation, whose Elapsed() now covers admission to completion
// (spec.md §4.5).
func (q *Queue) Finish(id string) (*Invocation, bool) {
	inv, ok := q.active[id]
	delete(q.active, id)
	return inv, ok
}

// Len reports the number of invocations still pending dispatch.
func (q *Queue) Len() int { return q.pending.Len() }

// ActiveLen reports the number of invocations currently dispatched to a
// worker and not yet finished.
func (q *Queue) ActiveLen() int { return len(q.active) }
