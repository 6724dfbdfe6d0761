// Package workers is the control-plane thread pool: it executes application
// operations off the HTTP and TCP I/O threads and owns the waiter table
// that parks an HTTP response callback until the matching INVOCATION_RESULT
// arrives from a process (spec.md §4.13, §9 "async callback control flow").
//
// Grounded on the teacher's xact/worker dispatch convention (a fixed set of
// runner goroutines draining a job channel, errgroup-joined on shutdown)
// with singleflight guarding the allocate-a-controlplane-process path the
// same way the teacher collapses duplicate concurrent bucket-head calls.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package workers

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/mono"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/wire"
)

// Result is what an invocation waiter eventually receives: the response
// envelope fields of spec.md §6 `POST /invoke`.
type Result struct {
	Function   string
	ReturnCode int32
	Payload    []byte
	Elapsed    time.Duration
}

// Callback delivers a Result (or a platform error) back to the parked HTTP
// handler.
type Callback func(Result, error)

type waiter struct {
	fn    string
	proc  string
	cb    Callback
	start int64 // mono
}

// Pool executes handlers off the HTTP/TCP threads (spec.md §4.13).
type Pool struct {
	reg     *cluster.Registry
	backend cluster.Backend
	tcp     cluster.TCP
	dep     cluster.Deployment
	cpRes   cluster.Resources

	jobs chan func()
	eg   errgroup.Group

	// allocsf collapses concurrent get-controlplane-process calls for the
	// same application into one backend allocation.
	allocsf singleflight.Group

	// OnProcessReady, when set, is told about every process this pool
	// created or reused for dispatch (the downscaler's Track in production;
	// re-tracking an already-tracked process is harmless).
	OnProcessReady func(*cluster.Application, *cluster.Process)

	mu       sync.Mutex
	waiters  map[string][]waiter // invocation id -> parked callbacks
	inflight map[string]int      // process name -> invocations not yet answered
}

func New(threads int, reg *cluster.Registry, be cluster.Backend, tcp cluster.TCP, dep cluster.Deployment, cpRes cluster.Resources) *Pool {
	if threads <= 0 {
		threads = 8
	}
	p := &Pool{
		reg:      reg,
		backend:  be,
		tcp:      tcp,
		dep:      dep,
		cpRes:    cpRes,
		jobs:     make(chan func(), 4*threads),
		waiters:  make(map[string][]waiter),
		inflight: make(map[string]int),
	}
	for range threads {
		p.eg.Go(p.runner)
	}
	return p
}

func (p *Pool) runner() error {
	for job := range p.jobs {
		job()
	}
	return nil
}

// Stop drains the pool; queued jobs still run.
func (p *Pool) Stop() {
	close(p.jobs)
	_ = p.eg.Wait()
}

// Go schedules job on a pool thread without waiting for it — used by the
// downscaler, whose polling loop must never block on a swap (spec.md §4.14).
func (p *Pool) Go(job func()) { p.jobs <- job }

// run executes job on a pool thread and waits for it — the thin-wrapper
// path (create/delete/swap/list, spec.md §4.13), where the HTTP handler has
// nothing useful to do until the operation completes.
func (p *Pool) run(job func() error) error {
	done := make(chan error, 1)
	p.jobs <- func() { done <- job() }
	return <-done
}

//
// thin wrappers (spec.md §4.13)
//

func (p *Pool) CreateApplication(name, codeResource string, maxFnPerProcess int) error {
	return p.run(func() error {
		_, err := p.reg.Create(name, codeResource, maxFnPerProcess)
		return err
	})
}

func (p *Pool) DeleteApplication(name string) error {
	return p.run(func() error { return p.reg.Delete(name) })
}

func (p *Pool) CreateProcess(appName, procName string, res cluster.Resources) (ip string, port uint16, err error) {
	err = p.run(func() error {
		app, err := p.reg.Get(appName)
		if err != nil {
			return err
		}
		proc, err := app.AddProcess(p.backend, p.tcp, procName, res)
		if err != nil {
			return err
		}
		if err := p.reg.IndexProcess(procName, appName); err != nil {
			return errors.Wrap(err, "indexing process")
		}
		if p.OnProcessReady != nil {
			p.OnProcessReady(app, proc)
		}
		ip, port = proc.Endpoint()
		return nil
	})
	return ip, port, err
}

func (p *Pool) StopProcess(appName, procName string) error {
	return p.run(func() error {
		app, err := p.reg.Get(appName)
		if err != nil {
			return err
		}
		proc, ok := app.Lookup(procName)
		if !ok {
			return cos.NewErrObjectDoesNotExist("process %q", procName)
		}
		f, err := wire.NewClosure(procName)
		if err != nil {
			return err
		}
		if err := proc.WriteFrame(f, nil); err != nil {
			nlog.Warningf("stop_process %s/%s: %v", appName, procName, err)
		}
		return p.backend.DeleteProcess(proc)
	})
}

func (p *Pool) SwapProcess(appName, procName string) error {
	return p.run(func() error {
		app, err := p.reg.Get(appName)
		if err != nil {
			return err
		}
		return app.SwapProcess(procName, p.dep)
	})
}

func (p *Pool) DeleteProcess(appName, procName string) error {
	return p.run(func() error {
		app, err := p.reg.Get(appName)
		if err != nil {
			return err
		}
		if err := app.DeleteProcess(procName, p.dep); err != nil {
			return err
		}
		p.reg.UnindexProcess(procName)
		return nil
	})
}

func (p *Pool) ListProcesses(appName string) (active, swapped []string, err error) {
	err = p.run(func() error {
		app, err := p.reg.Get(appName)
		if err != nil {
			return err
		}
		active, swapped = app.ListProcesses()
		return nil
	})
	return active, swapped, err
}

//
// invocation path (spec.md §4.13 handle_invocation)
//

// HandleInvocation resolves the app, picks (or allocates) a
// controlplane-capable process, parks cb as a waiter bound to a fresh
// invocation id, and ships the INVOCATION_REQUEST. cb fires exactly once:
// from OnInvocationResult, or here on a pre-dispatch failure.
func (p *Pool) HandleInvocation(appName, fname string, payload []byte, cb Callback) {
	start := mono.NanoTime()
	p.jobs <- func() {
		app, err := p.reg.Get(appName)
		if err != nil {
			cb(Result{}, err)
			return
		}
		proc, err := p.controlplaneProcess(app)
		if err != nil {
			cb(Result{}, err)
			return
		}

		invID := cos.GenUUID()
		f, err := wire.NewInvocationRequest(invID, fname, wire.SourceControlplane, "")
		if err != nil {
			cb(Result{}, err)
			return
		}

		p.mu.Lock()
		p.waiters[invID] = append(p.waiters[invID], waiter{fn: fname, proc: proc.Name(), cb: cb, start: start})
		p.inflight[proc.Name()]++
		p.mu.Unlock()

		if err := proc.WriteFrame(f, payload); err != nil {
			p.dropWaiters(invID)
			cb(Result{}, errors.Wrapf(err, "dispatching %s to process %s", fname, proc.Name()))
		}
	}
}

func (p *Pool) controlplaneProcess(app *cluster.Application) (*cluster.Process, error) {
	v, err, _ := p.allocsf.Do(app.Name, func() (any, error) {
		return app.GetControlplaneProcess(p.backend, p.tcp, p.cpRes, p.fnCount)
	})
	if err != nil {
		return nil, err
	}
	proc := v.(*cluster.Process)
	if err := p.reg.IndexProcess(proc.Name(), app.Name); err != nil {
		return nil, err
	}
	if p.OnProcessReady != nil {
		p.OnProcessReady(app, proc)
	}
	if err := waitConnected(proc, connectTimeout); err != nil {
		return nil, err
	}
	return proc, nil
}

const connectTimeout = 10 * time.Second

// waitConnected parks until the (possibly just-allocated or just-swapped-in)
// process has completed its PROCESS_CONNECTION handshake: allocation
// reports the sandbox running, not yet dialed in.
func waitConnected(proc *cluster.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc.Status() == cluster.Allocated && proc.Conn() != nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cos.NewErrNotFound("established connection to process %q", proc.Name())
}

func (p *Pool) fnCount(proc *cluster.Process) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[proc.Name()]
}

// OnInvocationResult completes every waiter registered for invID — the
// number of deliveries equals the number of waiters at completion time
// (spec.md §5, §8).
func (p *Pool) OnInvocationResult(invID string, rc int32, payload []byte) {
	p.mu.Lock()
	ws := p.waiters[invID]
	delete(p.waiters, invID)
	for _, w := range ws {
		if n := p.inflight[w.proc]; n > 1 {
			p.inflight[w.proc] = n - 1
		} else {
			delete(p.inflight, w.proc)
		}
	}
	p.mu.Unlock()

	if len(ws) == 0 {
		nlog.Warningf("invocation %s: result with no waiters (rc=%d)", invID, rc)
		return
	}
	for _, w := range ws {
		elapsed := time.Duration(mono.NanoTime() - w.start)
		w.cb(Result{Function: w.fn, ReturnCode: rc, Payload: payload, Elapsed: elapsed}, nil)
	}
}

func (p *Pool) dropWaiters(invID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.waiters[invID] {
		if n := p.inflight[w.proc]; n > 1 {
			p.inflight[w.proc] = n - 1
		} else {
			delete(p.inflight, w.proc)
		}
	}
	delete(p.waiters, invID)
}
