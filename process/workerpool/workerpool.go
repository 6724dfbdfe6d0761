// Package workerpool owns the fixed vector of function-worker subprocesses
// a process controller dispatches invocations to (spec.md §3, §4.6).
//
// Grounded on the teacher's fixed-size worker-goroutine pool idiom (a
// preallocated slice of workers, an idle counter, first-idle-wins
// scheduling); adapted from goroutine workers to OS subprocesses wired
// through a pair of IPC channels each (spec.md §4.2, §5 "worker
// subprocesses are OS processes").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package workerpool

import (
	"os/exec"
	"sync"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/ipc"
	"github.com/NVIDIA/aislambda/wire"
)

// FunctionWorker wraps one child invoker subprocess: a send/recv channel
// pair, its PID, and a busy flag (spec.md §4.6).
type FunctionWorker struct {
	Send  *ipc.Channel
	Recv  *ipc.Channel
	Pipes *ipc.WorkerPipes
	Cmd   *exec.Cmd
	PID   int
	Busy  bool
}

// Pool owns a fixed vector of workers; not safe for concurrent use (owned
// by the single process-controller event loop, spec.md §5).
type Pool struct {
	mu      sync.Mutex // guards idleCount only; workers slice is fixed-size and loop-owned
	workers []*FunctionWorker
	idle    int
}

// New wraps an already-spawned set of worker subprocesses. Spawning itself
// (fork+exec of the per-language invoker binary, out of scope per spec.md
// §1) is the caller's responsibility; New just takes ownership of the
// channel pairs and marks every worker idle.
func New(workers []*FunctionWorker) *Pool {
	for _, w := range workers {
		w.Busy = false
	}
	return &Pool{workers: workers, idle: len(workers)}
}

func (p *Pool) HasIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle > 0
}

func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

func (p *Pool) Len() int { return len(p.workers) }

// Submit picks the first non-busy worker and writes an INVOCATION_REQUEST
// frame with its payload (spec.md §4.6). Returns cos.ErrNotFound if no idle
// worker exists; callers must check HasIdle() first under normal operation.
func (p *Pool) Submit(invID, fname string, kind wire.SourceKind, sourceID string, payload []byte) (*FunctionWorker, error) {
	p.mu.Lock()
	var w *FunctionWorker
	for _, cand := range p.workers {
		if !cand.Busy {
			cand.Busy = true
			w = cand
			p.idle--
			break
		}
	}
	p.mu.Unlock()
	if w == nil {
		return nil, cos.NewErrNotFound("idle worker for %q", fname)
	}

	f, err := wire.NewInvocationRequest(invID, fname, kind, sourceID)
	if err != nil {
		p.Finish(w)
		return nil, err
	}
	if err := w.Send.Send(f, payload); err != nil {
		p.Finish(w)
		return nil, err
	}
	return w, nil
}

// Finish clears a worker's busy flag once its result has been processed
// (spec.md §4.6).
func (p *Pool) Finish(w *FunctionWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.Busy {
		w.Busy = false
		p.idle++
	}
}

// Shutdown closes every worker's channels and waits for the child
// processes to exit (spec.md §4.6, §4.8).
func (p *Pool) Shutdown() {
	for _, w := range p.workers {
		if w.Send != nil {
			w.Send.Close()
		}
		if w.Recv != nil {
			w.Recv.Close()
		}
		if w.Cmd != nil && w.Cmd.Process != nil {
			if err := w.Cmd.Wait(); err != nil {
				nlog.Warningf("worker pid=%d exited: %v", w.PID, err)
			}
		}
	}
}

// Broadcast sends f to every worker, used to fan out APPLICATION_UPDATE
// frames (spec.md §4.8 step 2).
func (p *Pool) Broadcast(f *wire.Frame) {
	for _, w := range p.workers {
		if err := w.Send.Send(f, nil); err != nil {
			nlog.Warningf("broadcast to worker pid=%d failed: %v", w.PID, err)
		}
	}
}

// Workers exposes the underlying slice for the controller's poll loop
// (spec.md §4.8 step 3, which reads every worker's recv channel each tick).
func (p *Pool) Workers() []*FunctionWorker { return p.workers }
