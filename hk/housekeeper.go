// Package hk provides a mechanism for registering periodic callbacks —
// used by the control-plane downscaler (spec.md §4.14).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"
)

// NameSuffix disambiguates a housekeeper registration name from any other
// namespace sharing the same registry (see transport.Unhandle-style callers
// in the teacher; kept here for callers that want a unique hk key per
// endpoint/process name).
const NameSuffix = ".hk"

// CleanupFunc runs on its own interval; the returned duration reschedules
// the next run (0 or negative == keep the original interval).
type CleanupFunc func() time.Duration

type request struct {
	name     string
	f        CleanupFunc
	interval time.Duration
	due      time.Time
}

type reqHeap []*request

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h reqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reqHeap) Push(x any)         { *h = append(*h, x.(*request)) }
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*request
	pending reqHeap
	started chan struct{}
	stop    chan struct{}
	once    sync.Once
}

var DefaultHK = newHK()

func newHK() *housekeeper {
	return &housekeeper{
		byName:  make(map[string]*request),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// TestInit resets DefaultHK for a fresh test run.
func TestInit() { DefaultHK = newHK() }

func WaitStarted() { <-DefaultHK.started }

// Reg schedules f to run every interval, starting after interval elapses.
func Reg(name string, f CleanupFunc, interval time.Duration) {
	DefaultHK.reg(name, f, interval)
}

func Unreg(name string) { DefaultHK.unreg(name) }

func (hk *housekeeper) reg(name string, f CleanupFunc, interval time.Duration) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	r := &request{name: name, f: f, interval: interval, due: time.Now().Add(interval)}
	hk.byName[name] = r
	heap.Push(&hk.pending, r)
}

func (hk *housekeeper) unreg(name string) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	r, ok := hk.byName[name]
	if !ok {
		return
	}
	delete(hk.byName, name)
	for i, p := range hk.pending {
		if p == r {
			heap.Remove(&hk.pending, i)
			break
		}
	}
}

// Run drives the periodic-callback loop; callers start it as `go hk.DefaultHK.Run()`.
func (hk *housekeeper) Run() {
	hk.once.Do(func() { close(hk.started) })
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-hk.stop:
			return
		case now := <-t.C:
			hk.fire(now)
		}
	}
}

func (hk *housekeeper) Stop() { close(hk.stop) }

func (hk *housekeeper) fire(now time.Time) {
	for {
		hk.mu.Lock()
		if len(hk.pending) == 0 || hk.pending[0].due.After(now) {
			hk.mu.Unlock()
			return
		}
		r := heap.Pop(&hk.pending).(*request)
		hk.mu.Unlock()

		if _, alive := hk.byName[r.name]; !alive {
			continue
		}
		next := r.f()
		if next <= 0 {
			next = r.interval
		}
		r.due = time.Now().Add(next)
		hk.mu.Lock()
		if _, alive := hk.byName[r.name]; alive {
			heap.Push(&hk.pending, r)
		}
		hk.mu.Unlock()
	}
}
