/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package workers_test

import (
	"net"
	"testing"
	"time"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/controlplane/workers"
	"github.com/NVIDIA/aislambda/wire"
)

func init() { cos.InitShortID(1) }

type fakeBackend struct{}

func (*fakeBackend) Bounds() (int, int, int64, int64) { return 1, 16, 64, 1 << 14 }
func (*fakeBackend) AllocateProcess(_ *cluster.Process, _ cluster.Resources, cb func(string, uint16, error)) {
	cb("127.0.0.1", 40001, nil)
}
func (*fakeBackend) DeleteProcess(*cluster.Process) error { return nil }

type fakeTCP struct{}

func (*fakeTCP) AddProcess(*cluster.Process) {}
func (*fakeTCP) RemoveProcess(string)        {}

type fakeDeployment struct{}

func (*fakeDeployment) NewSwapLocation(app, proc string) (cluster.SwapLoc, error) {
	return cluster.SwapLoc{Scheme: "local", Path: "/swaps/" + app + "/" + proc}, nil
}
func (*fakeDeployment) DeleteSwap(string, cluster.SwapLoc) error { return nil }

func newPool(t *testing.T) (*workers.Pool, *cluster.Registry) {
	t.Helper()
	reg, err := cluster.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	res := cluster.Resources{VCPUs: 1, MemoryMB: 128}
	pool := workers.New(2, reg, &fakeBackend{}, &fakeTCP{}, &fakeDeployment{}, res)
	t.Cleanup(pool.Stop)
	return pool, reg
}

func TestApplicationWrappers(t *testing.T) {
	pool, _ := newPool(t)

	if err := pool.CreateApplication("app", "res", 4); err != nil {
		t.Fatal(err)
	}
	if err := pool.CreateApplication("app", "res", 4); !cos.IsErrObjectExists(err) {
		t.Fatalf("duplicate app: %v", err)
	}
	if _, _, err := pool.ListProcesses("nope"); !cos.IsErrObjectDoesNotExist(err) {
		t.Fatalf("list of missing app: %v", err)
	}
	if err := pool.DeleteApplication("app"); err != nil {
		t.Fatal(err)
	}
	if err := pool.DeleteApplication("app"); !cos.IsErrObjectDoesNotExist(err) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestCreateAndListProcess(t *testing.T) {
	pool, _ := newPool(t)

	if err := pool.CreateApplication("app", "res", 4); err != nil {
		t.Fatal(err)
	}
	ip, port, err := pool.CreateProcess("app", "p0", cluster.Resources{VCPUs: 1, MemoryMB: 128})
	if err != nil {
		t.Fatal(err)
	}
	if ip != "127.0.0.1" || port != 40001 {
		t.Fatalf("endpoint %s:%d", ip, port)
	}
	active, swapped, err := pool.ListProcesses("app")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "p0" || len(swapped) != 0 {
		t.Fatalf("active=%v swapped=%v", active, swapped)
	}
}

// TestInvocationRoundTrip drives the full waiter-table path: the pool
// allocates a controlplane-capable process, the request frame goes out on
// its connection, the pretend-process answers, and the parked callback
// fires with the result.
func TestInvocationRoundTrip(t *testing.T) {
	pool, _ := newPool(t)

	// stand in for the real process: accept the connection the moment the
	// pool allocates one, echo every invocation back through the dispatcher
	pool.OnProcessReady = func(_ *cluster.Application, p *cluster.Process) {
		if p.Conn() != nil {
			return
		}
		client, server := net.Pipe()
		ip, port := p.Endpoint()
		if err := p.Connect(client, ip, port); err != nil {
			t.Errorf("connect: %v", err)
			return
		}
		t.Cleanup(func() { client.Close(); server.Close() })
		go func() {
			for {
				f, payload, err := wire.ReadFrame(server)
				if err != nil {
					return
				}
				if f.Tag() != wire.TagInvocationRequest {
					continue
				}
				ir := wire.AsInvocationRequest(f)
				pool.OnInvocationResult(ir.InvocationID(), 0, append([]byte("echo:"), payload...))
			}
		}()
	}

	if err := pool.CreateApplication("app", "res", 4); err != nil {
		t.Fatal(err)
	}

	done := make(chan workers.Result, 1)
	errs := make(chan error, 1)
	pool.HandleInvocation("app", "hello-world", []byte("hi"), func(r workers.Result, e error) {
		if e != nil {
			errs <- e
			return
		}
		done <- r
	})

	select {
	case r := <-done:
		if r.Function != "hello-world" || r.ReturnCode != 0 || string(r.Payload) != "echo:hi" {
			t.Fatalf("result %+v", r)
		}
	case e := <-errs:
		t.Fatal(e)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation never completed")
	}
}

func TestInvokeUnknownApp(t *testing.T) {
	pool, _ := newPool(t)

	errs := make(chan error, 1)
	pool.HandleInvocation("nope", "fn", nil, func(_ workers.Result, e error) { errs <- e })
	select {
	case e := <-errs:
		if !cos.IsErrObjectDoesNotExist(e) {
			t.Fatalf("want ErrObjectDoesNotExist, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestResultWithoutWaiters(t *testing.T) {
	pool, _ := newPool(t)
	pool.OnInvocationResult("ghost", -1, nil) // must be a logged no-op
}
