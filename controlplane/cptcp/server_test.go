/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cptcp_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/controlplane/cptcp"
	"github.com/NVIDIA/aislambda/wire"
)

type fakeBackend struct{}

func (*fakeBackend) Bounds() (int, int, int64, int64) { return 1, 16, 64, 1 << 14 }
func (*fakeBackend) AllocateProcess(_ *cluster.Process, _ cluster.Resources, cb func(string, uint16, error)) {
	cb("127.0.0.1", 40001, nil)
}
func (*fakeBackend) DeleteProcess(*cluster.Process) error { return nil }

type recordingDispatcher struct {
	mu      sync.Mutex
	results map[string]int32
}

func (d *recordingDispatcher) OnInvocationResult(invID string, rc int32, _ []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.results == nil {
		d.results = make(map[string]int32)
	}
	d.results[invID] = rc
}

func (d *recordingDispatcher) get(invID string) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rc, ok := d.results[invID]
	return rc, ok
}

type env struct {
	reg  *cluster.Registry
	app  *cluster.Application
	srv  *cptcp.Server
	disp *recordingDispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg, err := cluster.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	app, err := reg.Create("app", "res", 4)
	if err != nil {
		t.Fatal(err)
	}
	disp := &recordingDispatcher{}
	srv := cptcp.New(reg, disp)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)
	return &env{reg: reg, app: app, srv: srv, disp: disp}
}

// register adds a process to the app, dials the server as that process, and
// completes the PROCESS_CONNECTION handshake.
func (e *env) register(t *testing.T, name string) (net.Conn, *cluster.Process) {
	t.Helper()
	p, err := e.app.AddProcess(&fakeBackend{}, e.srv, name, cluster.Resources{VCPUs: 1, MemoryMB: 128})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.reg.IndexProcess(name, "app"); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", e.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	hello, err := wire.NewConn(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(conn, hello, nil); err != nil {
		t.Fatal(err)
	}
	ack, _, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Tag() != wire.TagProcessConnection || wire.AsConn(ack).Name() != wire.ConnAck {
		t.Fatalf("handshake reply %v %q", ack.Tag(), wire.AsConn(ack).Name())
	}
	waitStatus(t, p, cluster.Allocated)
	return conn, p
}

func waitStatus(t *testing.T, p *cluster.Process, want cluster.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process %s status %v, want %v", p.Name(), p.Status(), want)
}

func TestHandshakeAndResultDispatch(t *testing.T) {
	e := newEnv(t)
	conn, _ := e.register(t, "p0")

	res, err := wire.NewInvocationResult("inv-12345", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(conn, res, []byte("out")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rc, ok := e.disp.get("inv-12345"); ok {
			if rc != 0 {
				t.Fatalf("rc %d", rc)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("result never dispatched")
}

func TestMetricsIngestion(t *testing.T) {
	e := newEnv(t)
	conn, p := e.register(t, "p0")

	ts := time.Now().UnixNano()
	mf, err := wire.NewMetrics("p0", 7, 350, ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(conn, mf, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m := p.Metrics(); m.Invocations == 7 {
			if m.ComputationTime != 350*time.Millisecond {
				t.Fatalf("computation %v", m.ComputationTime)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("metrics never applied")
}

func TestUnexpectedCloseIsFailure(t *testing.T) {
	e := newEnv(t)
	conn, p := e.register(t, "p0")

	conn.Close() // no PROCESS_CLOSURE first
	waitStatus(t, p, cluster.Failure)
	active, swapped := e.app.ListProcesses()
	if len(active)+len(swapped) != 0 {
		t.Fatalf("failed process still owned: active=%v swapped=%v", active, swapped)
	}
}

func TestSwapConfirmationMovesProcess(t *testing.T) {
	e := newEnv(t)
	conn, p := e.register(t, "p0")

	if err := e.app.SwapProcess("p0", fakeDep{}); err != nil {
		t.Fatal(err)
	}
	// the process sees the SWAP_REQUEST...
	req, _, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatal(err)
	}
	if req.Tag() != wire.TagSwapRequest {
		t.Fatalf("tag %v", req.Tag())
	}

	// ...and answers with a confirmation
	done := e.srv.WaitSwap("p0")
	cf := wire.NewSwapConfirmation(2048, 17)
	if err := wire.WriteFrame(conn, cf, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case info := <-done:
		if info.Bytes != 2048 || info.ElapsedMS != 17 {
			t.Fatalf("swap info %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("swap waiter never signalled")
	}
	waitStatus(t, p, cluster.SwappedOut)

	_, swapped := e.app.ListProcesses()
	if len(swapped) != 1 || swapped[0] != "p0" {
		t.Fatalf("swapped=%v", swapped)
	}
}

type fakeDep struct{}

func (fakeDep) NewSwapLocation(app, proc string) (cluster.SwapLoc, error) {
	return cluster.SwapLoc{Scheme: "local", Path: "/swaps/" + app + "/sess-1"}, nil
}
func (fakeDep) DeleteSwap(string, cluster.SwapLoc) error { return nil }
