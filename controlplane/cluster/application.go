// Package cluster — Application: a named collection of processes sharing a
// code image (spec.md §3, §4.12).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
)

// Backend allocates and tears down sandboxes (spec.md §4.12; realised by
// controlplane/backend's subprocess and k8s implementations).
type Backend interface {
	// Bounds reports the [min,max] vcpus/memory-MB this backend accepts.
	Bounds() (minVCPUs, maxVCPUs int, minMemMB, maxMemMB int64)
	// AllocateProcess asks the backend to start a sandbox for p; cb is
	// invoked asynchronously with the process's reachable ip:port, or an
	// error if allocation failed.
	AllocateProcess(p *Process, res Resources, cb func(ip string, port uint16, err error))
	DeleteProcess(p *Process) error
}

// TCP is the subset of the control-plane TCP server's surface Application
// needs (spec.md §4.10, §4.12): registering/forgetting a process so
// incoming connections can be demultiplexed by name.
type TCP interface {
	AddProcess(p *Process)
	RemoveProcess(name string)
}

// Deployment mints and deletes swap locations (spec.md §3 "Swap location",
// §4.12 swap_process/delete_process; realised by process/swap backends).
type Deployment interface {
	NewSwapLocation(appName, procName string) (SwapLoc, error)
	DeleteSwap(procName string, loc SwapLoc) error
}

// Application owns its Process set exclusively (spec.md §3 ownership
// summary). The active map, swapped map, and controlplane-process list
// each have their own lock; a move between collections acquires them in
// the fixed order active -> swapped -> cp to avoid deadlock (spec.md §5).
type Application struct {
	Name         string
	CodeResource string

	maxFnPerProcess int // [FULL] §4.18 warm-pool headroom

	activeMu sync.RWMutex
	active   map[string]*Process

	swappedMu sync.RWMutex
	swapped   map[string]*Process

	cpMu sync.RWMutex
	cp   []*Process

	sparePending atomic.Bool // one warm-pool spare allocation in flight at most
}

func NewApplication(name, codeResource string, maxFnPerProcess int) *Application {
	if maxFnPerProcess <= 0 {
		maxFnPerProcess = 1
	}
	return &Application{
		Name:            name,
		CodeResource:    codeResource,
		maxFnPerProcess: maxFnPerProcess,
		active:          make(map[string]*Process),
		swapped:         make(map[string]*Process),
	}
}

// AddProcess validates resources, reserves name in active, registers with
// the TCP server, then asks the backend to allocate; on allocator failure
// it undoes both (spec.md §4.12).
func (a *Application) AddProcess(backend Backend, tcp TCP, name string, res Resources) (*Process, error) {
	if name == "" {
		return nil, cos.NewErrInvalidArgument("process name", "must not be empty")
	}
	minV, maxV, minM, maxM := backend.Bounds()
	if res.VCPUs < minV || res.VCPUs > maxV {
		return nil, cos.NewErrInvalidArgument("vcpus", "out of backend bounds")
	}
	if res.MemoryMB < minM || res.MemoryMB > maxM {
		return nil, cos.NewErrInvalidArgument("memory", "out of backend bounds")
	}

	a.activeMu.Lock()
	if _, exists := a.active[name]; exists {
		a.activeMu.Unlock()
		return nil, cos.NewErrObjectExists("process %q", name)
	}
	p := NewProcess(name, res)
	a.active[name] = p
	a.activeMu.Unlock()

	tcp.AddProcess(p)

	done := make(chan error, 1)
	backend.AllocateProcess(p, res, func(ip string, port uint16, err error) {
		if err != nil {
			done <- err
			return
		}
		p.SetEndpoint(ip, port)
		done <- nil
	})
	if err := <-done; err != nil {
		tcp.RemoveProcess(name)
		a.activeMu.Lock()
		delete(a.active, name)
		a.activeMu.Unlock()
		return nil, cos.NewErrFailedAllocation(name, err)
	}
	return p, nil
}

// GetControlplaneProcess returns an existing controlplane-dedicated process
// with spare capacity, swaps a swapped-out one back in, or allocates a
// fresh one (spec.md §4.12, §4.18 warm-pool headroom: pre-allocate a spare
// once the last one crosses maxFnPerProcess-1 in-flight use; tracked by
// caller via fnCount below).
func (a *Application) GetControlplaneProcess(backend Backend, tcp TCP, res Resources, fnCount func(*Process) int) (*Process, error) {
	a.cpMu.RLock()
	var swappedOut *Process
	for _, p := range a.cp {
		switch p.Status() {
		case Allocated:
			if n := fnCount(p); n < a.maxFnPerProcess {
				if n == a.maxFnPerProcess-1 {
					// low watermark: warm a spare before the pool runs dry
					a.preallocateSpare(backend, tcp, res)
				}
				a.cpMu.RUnlock()
				return p, nil
			}
		case SwappedOut:
			if swappedOut == nil {
				swappedOut = p
			}
		}
	}
	a.cpMu.RUnlock()

	// a swapped-out process holds state its next invocation may depend on:
	// revive it before growing the pool
	if swappedOut != nil {
		if p, err := a.SwapInProcess(backend, tcp, swappedOut.Name()); err == nil {
			return p, nil
		} else {
			nlog.Warningf("app %s: swap-in of %s failed: %v", a.Name, swappedOut.Name(), err)
		}
	}

	name := cos.GenUUID()
	p, err := a.AddProcess(backend, tcp, name, res)
	if err != nil {
		return nil, err
	}
	a.cpMu.Lock()
	a.cp = append(a.cp, p)
	a.cpMu.Unlock()
	return p, nil
}

func (a *Application) preallocateSpare(backend Backend, tcp TCP, res Resources) {
	if !a.sparePending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.sparePending.Store(false)
		name := cos.GenUUID()
		p, err := a.AddProcess(backend, tcp, name, res)
		if err != nil {
			nlog.Warningf("app %s: spare preallocation failed: %v", a.Name, err)
			return
		}
		a.cpMu.Lock()
		a.cp = append(a.cp, p)
		a.cpMu.Unlock()
	}()
}

// SwapInProcess re-allocates a swapped-out process so its restored state is
// reachable again (spec.md §3 SWAPPED_OUT -> SWAPPING_IN -> ALLOCATED; the
// backend passes the swap location to the new sandbox, §4.18). Collection
// locks are taken in the fixed active -> swapped order (spec.md §5).
func (a *Application) SwapInProcess(backend Backend, tcp TCP, name string) (*Process, error) {
	a.activeMu.Lock()
	a.swappedMu.Lock()
	p, ok := a.swapped[name]
	if !ok {
		a.swappedMu.Unlock()
		a.activeMu.Unlock()
		return nil, cos.NewErrObjectDoesNotExist("swapped process %q", name)
	}
	if err := p.BeginSwapIn(); err != nil {
		a.swappedMu.Unlock()
		a.activeMu.Unlock()
		return nil, err
	}
	delete(a.swapped, name)
	a.active[name] = p
	a.swappedMu.Unlock()
	a.activeMu.Unlock()

	tcp.AddProcess(p)

	done := make(chan error, 1)
	backend.AllocateProcess(p, p.Resources(), func(ip string, port uint16, err error) {
		if err != nil {
			done <- err
			return
		}
		p.SetEndpoint(ip, port)
		done <- nil
	})
	if err := <-done; err != nil {
		tcp.RemoveProcess(name)
		a.activeMu.Lock()
		delete(a.active, name)
		a.activeMu.Unlock()
		p.MarkFailure()
		return nil, cos.NewErrFailedAllocation(name, err)
	}
	return p, nil
}

// SwapProcess requires ALLOCATED, mints a fresh swap location, and emits the
// swap request through the Process (spec.md §4.12).
func (a *Application) SwapProcess(name string, dep Deployment) error {
	p, ok := a.lookupActive(name)
	if !ok {
		return cos.NewErrObjectDoesNotExist("process %q", name)
	}
	if p.Status() != Allocated {
		return cos.NewErrInvalidProcessState(name, p.Status().String(), SwappingOut.String())
	}
	loc, err := dep.NewSwapLocation(a.Name, name)
	if err != nil {
		return err
	}
	return p.Swap(loc)
}

// SwappedProcess moves name from active to swapped once SWAP_CONFIRMATION
// arrives (spec.md §4.12).
func (a *Application) SwappedProcess(name string, bytesWritten int64, sessionID string) error {
	a.activeMu.Lock()
	p, ok := a.active[name]
	if !ok {
		a.activeMu.Unlock()
		return cos.NewErrObjectDoesNotExist("process %q", name)
	}
	if err := p.MarkSwappedOut(bytesWritten, sessionID); err != nil {
		a.activeMu.Unlock()
		return err
	}
	delete(a.active, name)
	a.activeMu.Unlock()

	a.swappedMu.Lock()
	a.swapped[name] = p
	a.swappedMu.Unlock()
	return nil
}

// ClosedProcess handles PROCESS_CLOSURE (graceful or, per §4.18, an
// unexpected socket close treated the same way): a SWAPPED_OUT process
// merely drops its connection; anything else is a failure and is removed
// from whichever collection owns it (spec.md §4.12).
func (a *Application) ClosedProcess(name string) {
	if p, ok := a.lookupSwapped(name); ok {
		p.CloseConnection()
		return
	}
	a.activeMu.Lock()
	p, ok := a.active[name]
	if ok {
		delete(a.active, name)
	}
	a.activeMu.Unlock()
	if !ok {
		nlog.Warningf("closed_process: unknown process %q (already removed?)", name)
		return
	}
	p.MarkFailure()
	a.removeFromCP(name)
}

// DeleteProcess requires the entry to be in swapped; it deletes the backing
// swap and removes the bookkeeping entry (spec.md §4.12).
func (a *Application) DeleteProcess(name string, dep Deployment) error {
	a.swappedMu.Lock()
	p, ok := a.swapped[name]
	if !ok {
		a.swappedMu.Unlock()
		return cos.NewErrObjectDoesNotExist("swapped process %q", name)
	}
	delete(a.swapped, name)
	a.swappedMu.Unlock()

	if loc := p.SwapLoc(); loc != nil {
		if err := dep.DeleteSwap(name, *loc); err != nil {
			return err
		}
	}
	return nil
}

func (a *Application) lookupActive(name string) (*Process, bool) {
	a.activeMu.RLock()
	defer a.activeMu.RUnlock()
	p, ok := a.active[name]
	return p, ok
}

func (a *Application) lookupSwapped(name string) (*Process, bool) {
	a.swappedMu.RLock()
	defer a.swappedMu.RUnlock()
	p, ok := a.swapped[name]
	return p, ok
}

// Lookup finds name in whichever collection currently holds it (spec.md §3
// invariant: a name appears in exactly one of {active, swapped}).
func (a *Application) Lookup(name string) (*Process, bool) {
	if p, ok := a.lookupActive(name); ok {
		return p, true
	}
	return a.lookupSwapped(name)
}

func (a *Application) removeFromCP(name string) {
	a.cpMu.Lock()
	defer a.cpMu.Unlock()
	for i, p := range a.cp {
		if p.Name() == name {
			a.cp = append(a.cp[:i], a.cp[i+1:]...)
			return
		}
	}
}

// ListProcesses returns the name of every active and swapped process
// (spec.md §6 `/list_processes`).
func (a *Application) ListProcesses() (active, swapped []string) {
	a.activeMu.RLock()
	for name := range a.active {
		active = append(active, name)
	}
	a.activeMu.RUnlock()
	a.swappedMu.RLock()
	for name := range a.swapped {
		swapped = append(swapped, name)
	}
	a.swappedMu.RUnlock()
	return
}

// RangeActive calls fn for every active process (used by the downscaler
// poll, spec.md §4.14). fn must not call back into Application.
func (a *Application) RangeActive(fn func(*Process)) {
	a.activeMu.RLock()
	defer a.activeMu.RUnlock()
	for _, p := range a.active {
		fn(p)
	}
}
