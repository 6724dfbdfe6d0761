// Package downscaler polls tracked processes and triggers swap-outs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package downscaler_test

import (
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/controlplane/downscaler"
)

type inlineScheduler struct{ jobs int }

func (s *inlineScheduler) Go(job func()) { s.jobs++; job() }

type recordingBackend struct{}

func (*recordingBackend) Bounds() (int, int, int64, int64) { return 1, 16, 64, 1 << 14 }
func (*recordingBackend) AllocateProcess(_ *cluster.Process, _ cluster.Resources, cb func(string, uint16, error)) {
	cb("127.0.0.1", 40001, nil)
}
func (*recordingBackend) DeleteProcess(*cluster.Process) error { return nil }

type noopTCP struct{}

func (*noopTCP) AddProcess(*cluster.Process) {}
func (*noopTCP) RemoveProcess(string)        {}

type countingDeployment struct{ minted int }

func (d *countingDeployment) NewSwapLocation(app, proc string) (cluster.SwapLoc, error) {
	d.minted++
	return cluster.SwapLoc{Scheme: "local", Path: "/swaps/" + app + "/" + proc}, nil
}
func (*countingDeployment) DeleteSwap(string, cluster.SwapLoc) error { return nil }

var _ = Describe("downscaler", func() {
	var (
		app   *cluster.Application
		proc  *cluster.Process
		dep   *countingDeployment
		sched *inlineScheduler
		ds    *downscaler.Downscaler
	)

	newProcess := func(name string, connected bool) *cluster.Process {
		p, err := app.AddProcess(&recordingBackend{}, &noopTCP{}, name, cluster.Resources{VCPUs: 1, MemoryMB: 128})
		Expect(err).NotTo(HaveOccurred())
		if connected {
			client, server := net.Pipe()
			go func() { _, _ = io.Copy(io.Discard, server) }()
			ip, port := p.Endpoint()
			Expect(p.Connect(client, ip, port)).To(Succeed())
		}
		return p
	}

	BeforeEach(func() {
		app = cluster.NewApplication("app", "res", 4)
		dep = &countingDeployment{}
		sched = &inlineScheduler{}
		ds = downscaler.New(dep, sched, time.Hour /*interval; Ticks are driven by hand*/, 5*time.Millisecond)
		proc = newProcess("p0", true)
	})

	It("swaps out a process idle past the threshold", func() {
		ds.Track(app, proc)
		ds.Tick() // merge; baseline just set, nothing idle yet
		Expect(sched.jobs).To(BeZero())

		time.Sleep(20 * time.Millisecond)
		ds.Tick()
		Expect(sched.jobs).To(Equal(1))
		Expect(dep.minted).To(Equal(1))
		Expect(proc.Status()).To(Equal(cluster.SwappingOut))
	})

	It("leaves a recently invoked process alone", func() {
		ds.Track(app, proc)
		ds.Tick()
		time.Sleep(20 * time.Millisecond)

		proc.UpdateMetrics(time.Millisecond, 1, time.Now())
		ds.Tick()
		Expect(sched.jobs).To(BeZero())
		Expect(proc.Status()).To(Equal(cluster.Allocated))
	})

	It("skips processes that are not allocated", func() {
		pending := newProcess("p1", false) // still ALLOCATING, never connected
		ds.Track(app, pending)
		ds.Tick()
		time.Sleep(20 * time.Millisecond)
		ds.Tick()
		Expect(sched.jobs).To(BeZero())
	})

	It("stops tracking after an untrack", func() {
		ds.Track(app, proc)
		ds.Tick()
		ds.Untrack("p0")
		time.Sleep(20 * time.Millisecond)
		ds.Tick()
		Expect(sched.jobs).To(BeZero())
	})

	It("swaps a process exactly once", func() {
		ds.Track(app, proc)
		ds.Tick()
		time.Sleep(20 * time.Millisecond)
		ds.Tick()
		ds.Tick()
		time.Sleep(20 * time.Millisecond)
		ds.Tick()
		Expect(sched.jobs).To(Equal(1))
	})
})
