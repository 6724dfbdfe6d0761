// Package downscaler polls tracked processes and triggers a swap-out once
// one has been idle past the configured threshold (spec.md §4.14).
//
// Grounded on the teacher's housekeeper-driven periodic components (a
// registered hk callback instead of a hand-rolled ticker goroutine), with
// the pending add/remove list merged at the top of every iteration exactly
// as spec.md §4.14 describes.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package downscaler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/hk"
)

var (
	trackedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aislambda_downscaler_tracked_processes",
		Help: "Processes currently tracked for idleness.",
	})
	swapsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aislambda_downscaler_swaps_triggered_total",
		Help: "Swap-outs scheduled by the downscaler.",
	})
)

// Scheduler hands swap work off the polling loop (the control-plane worker
// pool in production).
type Scheduler interface {
	Go(job func())
}

type tracked struct {
	app       *cluster.Application
	proc      *cluster.Process
	lastEvent time.Time
}

type pendingUpdate struct {
	add  bool
	name string
	app  *cluster.Application
	proc *cluster.Process
}

// Downscaler keeps a map proc-name -> {proc, last_event} plus a pending
// update list behind a mutex (spec.md §4.14).
type Downscaler struct {
	dep      cluster.Deployment
	sched    Scheduler
	interval time.Duration
	idleFor  time.Duration

	mu      sync.Mutex
	procs   map[string]*tracked
	pending []pendingUpdate
}

func New(dep cluster.Deployment, sched Scheduler, interval, idleFor time.Duration) *Downscaler {
	return &Downscaler{
		dep:      dep,
		sched:    sched,
		interval: interval,
		idleFor:  idleFor,
		procs:    make(map[string]*tracked),
	}
}

const hkName = "downscaler" + hk.NameSuffix

func (d *Downscaler) Start() {
	hk.Reg(hkName, d.Tick, d.interval)
}

func (d *Downscaler) Stop() { hk.Unreg(hkName) }

// Track enqueues a process for idleness tracking; merged into the tracked
// map at the top of the next Tick.
func (d *Downscaler) Track(app *cluster.Application, p *cluster.Process) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingUpdate{add: true, name: p.Name(), app: app, proc: p})
	d.mu.Unlock()
}

func (d *Downscaler) Untrack(name string) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingUpdate{name: name})
	d.mu.Unlock()
}

// Tick is one polling iteration (spec.md §4.14); exported for the hk
// registration and for tests that drive it synchronously.
func (d *Downscaler) Tick() time.Duration {
	now := time.Now()

	d.mu.Lock()
	for _, u := range d.pending {
		switch {
		case !u.add:
			delete(d.procs, u.name)
		case d.procs[u.name] == nil:
			d.procs[u.name] = &tracked{app: u.app, proc: u.proc, lastEvent: now}
		default:
			// re-Track of an already-tracked process keeps its idle baseline
			d.procs[u.name].app, d.procs[u.name].proc = u.app, u.proc
		}
	}
	d.pending = d.pending[:0]
	snapshot := make(map[string]*tracked, len(d.procs))
	for name, t := range d.procs {
		snapshot[name] = t
	}
	d.mu.Unlock()

	trackedGauge.Set(float64(len(snapshot)))

	for name, t := range snapshot {
		if now.Sub(t.lastEvent) < d.idleFor {
			continue
		}
		if t.proc.Status() != cluster.Allocated {
			continue
		}
		m := t.proc.Metrics()
		howLong := now.Sub(t.lastEvent)
		if m.Invocations > 0 {
			howLong = now.Sub(m.LastInvocation)
		}
		if howLong > d.idleFor {
			d.scheduleSwap(name, t)
		}
		if !m.LastInvocation.IsZero() && m.LastInvocation.After(t.lastEvent) {
			d.mu.Lock()
			if cur, ok := d.procs[name]; ok {
				cur.lastEvent = m.LastInvocation
			}
			d.mu.Unlock()
		}
	}
	return 0 // keep the registered interval
}

func (d *Downscaler) scheduleSwap(name string, t *tracked) {
	app := t.app
	d.sched.Go(func() {
		if err := app.SwapProcess(name, d.dep); err != nil {
			nlog.Warningf("downscaler: swap %s/%s: %v", app.Name, name, err)
			return
		}
		swapsTriggered.Inc()
		nlog.Infof("downscaler: swap-out requested for %s/%s", app.Name, name)
	})
	d.Untrack(name)
}
