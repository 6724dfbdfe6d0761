/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster_test

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
)

type fakeBackend struct {
	failAlloc bool
	deleted   []string
}

func (*fakeBackend) Bounds() (int, int, int64, int64) { return 1, 16, 64, 1 << 14 }

func (b *fakeBackend) AllocateProcess(p *cluster.Process, _ cluster.Resources, cb func(string, uint16, error)) {
	if b.failAlloc {
		cb("", 0, errors.New("no capacity"))
		return
	}
	cb("127.0.0.1", 40001, nil)
}

func (b *fakeBackend) DeleteProcess(p *cluster.Process) error {
	b.deleted = append(b.deleted, p.Name())
	return nil
}

type fakeTCP struct {
	added, removed []string
}

func (t *fakeTCP) AddProcess(p *cluster.Process) { t.added = append(t.added, p.Name()) }
func (t *fakeTCP) RemoveProcess(name string)     { t.removed = append(t.removed, name) }

type fakeDeployment struct {
	minted  int
	deleted []cluster.SwapLoc
}

func (d *fakeDeployment) NewSwapLocation(appName, procName string) (cluster.SwapLoc, error) {
	d.minted++
	return cluster.SwapLoc{Scheme: "local", Path: "/swaps/" + appName + "/" + procName}, nil
}

func (d *fakeDeployment) DeleteSwap(_ string, loc cluster.SwapLoc) error {
	d.deleted = append(d.deleted, loc)
	return nil
}

func goodRes() cluster.Resources { return cluster.Resources{VCPUs: 2, MemoryMB: 512} }

// connect attaches a drained net.Pipe to p so frame writes succeed.
func connect(t *testing.T, p *cluster.Process) {
	t.Helper()
	client, server := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, server) }()
	ip, port := p.Endpoint()
	if err := p.Connect(client, ip, port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
}

func TestAddProcessValidation(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp := &fakeBackend{}, &fakeTCP{}

	if _, err := app.AddProcess(be, tcp, "", goodRes()); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := app.AddProcess(be, tcp, "p0", cluster.Resources{VCPUs: 99, MemoryMB: 512}); err == nil {
		t.Fatal("vcpus out of bounds accepted")
	}
	if _, err := app.AddProcess(be, tcp, "p0", cluster.Resources{VCPUs: 2, MemoryMB: 1}); err == nil {
		t.Fatal("memory out of bounds accepted")
	}
	if len(tcp.added) != 0 {
		t.Fatalf("rejected process was registered with tcp server: %v", tcp.added)
	}
}

func TestAddProcessDuplicateName(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp := &fakeBackend{}, &fakeTCP{}

	if _, err := app.AddProcess(be, tcp, "p0", goodRes()); err != nil {
		t.Fatal(err)
	}
	_, err := app.AddProcess(be, tcp, "p0", goodRes())
	if !cos.IsErrObjectExists(err) {
		t.Fatalf("want ErrObjectExists, got %v", err)
	}
}

func TestAddProcessAllocatorFailureRollsBack(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp := &fakeBackend{failAlloc: true}, &fakeTCP{}

	_, err := app.AddProcess(be, tcp, "p0", goodRes())
	if err == nil {
		t.Fatal("allocator failure not surfaced")
	}
	var failed *cos.ErrFailedAllocation
	if !errors.As(err, &failed) {
		t.Fatalf("want ErrFailedAllocation, got %v", err)
	}
	if len(tcp.removed) != 1 || tcp.removed[0] != "p0" {
		t.Fatalf("tcp registration not undone: %v", tcp.removed)
	}
	active, swapped := app.ListProcesses()
	if len(active)+len(swapped) != 0 {
		t.Fatalf("bookkeeping not rolled back: active=%v swapped=%v", active, swapped)
	}
}

func TestSwapLifecycle(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp, dep := &fakeBackend{}, &fakeTCP{}, &fakeDeployment{}

	p, err := app.AddProcess(be, tcp, "p0", goodRes())
	if err != nil {
		t.Fatal(err)
	}
	connect(t, p)

	// confirming a swap-out for a process that isn't SWAPPING_OUT must fail
	// with the typed error
	if err := app.SwappedProcess("p0", 0, ""); !cos.IsErrInvalidProcessState(err) {
		t.Fatalf("want ErrInvalidProcessState, got %v", err)
	}

	if err := app.SwapProcess("p0", dep); err != nil {
		t.Fatal(err)
	}
	if got := p.Status(); got != cluster.SwappingOut {
		t.Fatalf("status after swap request: %v", got)
	}
	if dep.minted != 1 {
		t.Fatalf("swap location minted %d times", dep.minted)
	}

	// a second swap of the same process must be refused mid-flight
	if err := app.SwapProcess("p0", dep); !cos.IsErrInvalidProcessState(err) {
		t.Fatalf("want ErrInvalidProcessState, got %v", err)
	}

	if err := app.SwappedProcess("p0", 1024, "sess1"); err != nil {
		t.Fatal(err)
	}
	active, swapped := app.ListProcesses()
	if len(active) != 0 || len(swapped) != 1 {
		t.Fatalf("process in wrong collection: active=%v swapped=%v", active, swapped)
	}

	if err := app.DeleteProcess("p0", dep); err != nil {
		t.Fatal(err)
	}
	if len(dep.deleted) != 1 {
		t.Fatalf("backing swap not deleted: %v", dep.deleted)
	}
	if _, ok := app.Lookup("p0"); ok {
		t.Fatal("deleted process still resolvable")
	}
}

func TestDeleteActiveProcessRefused(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp, dep := &fakeBackend{}, &fakeTCP{}, &fakeDeployment{}

	if _, err := app.AddProcess(be, tcp, "p0", goodRes()); err != nil {
		t.Fatal(err)
	}
	if err := app.DeleteProcess("p0", dep); !cos.IsErrObjectDoesNotExist(err) {
		t.Fatalf("active process deletable: %v", err)
	}
}

func TestClosedProcess(t *testing.T) {
	app := cluster.NewApplication("app", "res", 4)
	be, tcp, dep := &fakeBackend{}, &fakeTCP{}, &fakeDeployment{}

	// swapped-out process: closure only drops the connection
	p, err := app.AddProcess(be, tcp, "p0", goodRes())
	if err != nil {
		t.Fatal(err)
	}
	connect(t, p)
	if err := app.SwapProcess("p0", dep); err != nil {
		t.Fatal(err)
	}
	if err := app.SwappedProcess("p0", 1, "s"); err != nil {
		t.Fatal(err)
	}
	app.ClosedProcess("p0")
	if _, ok := app.Lookup("p0"); !ok {
		t.Fatal("swapped process removed by closure")
	}

	// active process: closure is a failure and removes the entry
	q, err := app.AddProcess(be, tcp, "p1", goodRes())
	if err != nil {
		t.Fatal(err)
	}
	connect(t, q)
	app.ClosedProcess("p1")
	if q.Status() != cluster.Failure {
		t.Fatalf("status after abnormal closure: %v", q.Status())
	}
	active, _ := app.ListProcesses()
	for _, name := range active {
		if name == "p1" {
			t.Fatal("failed process still active")
		}
	}

	// unknown name: logged, not fatal
	app.ClosedProcess("nope")
}
