/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster_test

import (
	"net"
	"testing"
	"time"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/wire"
)

func TestStateMachineHappyPath(t *testing.T) {
	p := cluster.NewProcess("p0", cluster.Resources{VCPUs: 1, MemoryMB: 128})
	if p.Status() != cluster.Allocating {
		t.Fatalf("initial status %v", p.Status())
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	frames := make(chan wire.Tag, 4)
	go func() {
		for {
			f, _, err := wire.ReadFrame(server)
			if err != nil {
				return
			}
			frames <- f.Tag()
		}
	}()

	if err := p.Connect(client, "10.0.0.1", 5000); err != nil {
		t.Fatal(err)
	}
	if p.Status() != cluster.Allocated {
		t.Fatalf("status after connect: %v", p.Status())
	}
	ip, port := p.Endpoint()
	if ip != "10.0.0.1" || port != 5000 {
		t.Fatalf("endpoint %s:%d", ip, port)
	}

	if err := p.Swap(cluster.SwapLoc{Scheme: "local", Path: "/swaps/app/s1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case tag := <-frames:
		if tag != wire.TagSwapRequest {
			t.Fatalf("sent tag %v", tag)
		}
	case <-time.After(time.Second):
		t.Fatal("no swap request on the wire")
	}

	if err := p.MarkSwappedOut(4096, "sess"); err != nil {
		t.Fatal(err)
	}
	if p.Status() != cluster.SwappedOut {
		t.Fatalf("status %v", p.Status())
	}
	if err := p.BeginSwapIn(); err != nil {
		t.Fatal(err)
	}
	if p.Status() != cluster.SwappingIn {
		t.Fatalf("status %v", p.Status())
	}
}

func TestInvalidTransitions(t *testing.T) {
	p := cluster.NewProcess("p0", cluster.Resources{})

	if err := p.MarkSwappedOut(0, ""); !cos.IsErrInvalidProcessState(err) {
		t.Fatalf("ALLOCATING -> SWAPPED_OUT allowed: %v", err)
	}
	if err := p.BeginSwapIn(); !cos.IsErrInvalidProcessState(err) {
		t.Fatalf("ALLOCATING -> SWAPPING_IN allowed: %v", err)
	}
	if err := p.Swap(cluster.SwapLoc{}); !cos.IsErrInvalidProcessState(err) {
		t.Fatalf("ALLOCATING -> SWAPPING_OUT allowed: %v", err)
	}

	// FAILURE is reachable from anywhere
	p.MarkFailure()
	if p.Status() != cluster.Failure {
		t.Fatalf("status %v", p.Status())
	}
}

func TestUpdateMetrics(t *testing.T) {
	p := cluster.NewProcess("p0", cluster.Resources{})
	ts := time.Now()

	p.UpdateMetrics(150*time.Millisecond, 3, ts)
	p.UpdateMetrics(50*time.Millisecond, 0, ts.Add(time.Second))

	m := p.Metrics()
	if m.Invocations != 3 {
		t.Fatalf("invocations %d", m.Invocations)
	}
	if m.ComputationTime != 200*time.Millisecond {
		t.Fatalf("computation time %v", m.ComputationTime)
	}
	// a zero-invocation report must not advance last-invocation
	if !m.LastInvocation.Equal(ts) {
		t.Fatalf("last invocation %v, want %v", m.LastInvocation, ts)
	}
	if !m.LastReport.Equal(ts.Add(time.Second)) {
		t.Fatalf("last report %v", m.LastReport)
	}
}

func TestIdleFor(t *testing.T) {
	p := cluster.NewProcess("p0", cluster.Resources{})
	fallback := time.Now().Add(-time.Minute)

	if idle := p.IdleFor(fallback); idle < 59*time.Second {
		t.Fatalf("idle %v, want about a minute", idle)
	}
	p.UpdateMetrics(time.Millisecond, 1, time.Now())
	if idle := p.IdleFor(fallback); idle > time.Second {
		t.Fatalf("idle %v after fresh invocation", idle)
	}
}
