/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package controller_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NVIDIA/aislambda/ipc"
	"github.com/NVIDIA/aislambda/process/controller"
	"github.com/NVIDIA/aislambda/process/function"
	"github.com/NVIDIA/aislambda/process/workerpool"
	"github.com/NVIDIA/aislambda/wire"
)

// restamp overwrites a frame's tag in place, the way the worker-side
// invoker stamps its IPC taxonomy over the shared physical layout.
func restamp(f *wire.Frame, tag wire.Tag) {
	binary.LittleEndian.PutUint16(f[:2], uint16(tag))
}

const manifest = `{
  "functions": {
    "cpp": {
      "hello-world": {
        "code": {"module": "libhello.so", "function": "hello"},
        "trigger": {"type": "direct"}
      },
      "add": {
        "code": {"module": "libadd.so", "function": "add"},
        "trigger": {"type": "direct"}
      }
    }
  }
}`

type sent struct {
	connID  string
	frame   wire.Frame
	payload []byte
}

// fakeLink records everything the controller pushes outward.
type fakeLink struct {
	mu    sync.Mutex
	sends []sent
	cp    []sent
	peers []sent
	ch    chan sent
}

func newFakeLink() *fakeLink { return &fakeLink{ch: make(chan sent, 16)} }

func (l *fakeLink) Send(connID string, f *wire.Frame, payload []byte) error {
	l.mu.Lock()
	s := sent{connID: connID, frame: *f, payload: append([]byte(nil), payload...)}
	l.sends = append(l.sends, s)
	l.mu.Unlock()
	l.ch <- s
	return nil
}

func (l *fakeLink) SendControlplane(f *wire.Frame, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cp = append(l.cp, sent{frame: *f, payload: payload})
	return nil
}

func (l *fakeLink) SendPeer(procID string, f *wire.Frame, payload []byte) error {
	l.mu.Lock()
	s := sent{connID: procID, frame: *f, payload: append([]byte(nil), payload...)}
	l.peers = append(l.peers, s)
	l.mu.Unlock()
	l.ch <- s
	return nil
}

func (l *fakeLink) UpdatePeer(string, string, uint16, byte) {}

type harness struct {
	ctrl     *controller.Controller
	link     *fakeLink
	external chan controller.ExternalMsg
	// the test plays the worker subprocess on these channels
	wrecv, wsend *ipc.Channel
	cancel       context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "function.json")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := function.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	bufs := ipc.NewPool(8)
	pipes, err := ipc.NewWorkerPipes()
	if err != nil {
		t.Fatal(err)
	}
	send, recv := pipes.ControllerSide(bufs)
	wrecv, wsend := pipes.WorkerSide(bufs)
	fw := &workerpool.FunctionWorker{Send: send, Recv: recv, Pipes: pipes, PID: 1}
	pool := workerpool.New([]*workerpool.FunctionWorker{fw})

	link := newFakeLink()
	external := make(chan controller.ExternalMsg, 16)
	ctrl, err := controller.New("proc0001", reg, pool, bufs, link, external)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{ctrl: ctrl, link: link, external: external, wrecv: wrecv, wsend: wsend, cancel: cancel}
}

func (h *harness) externalInvoke(t *testing.T, invID, fname string, payload []byte) {
	t.Helper()
	f, err := wire.NewInvocationRequest(invID, fname, wire.SourceDataplane, "")
	if err != nil {
		t.Fatal(err)
	}
	h.external <- controller.ExternalMsg{
		Tag:     wire.TagInvocationRequest,
		Frame:   *f,
		Payload: payload,
		Kind:    wire.SourceDataplane,
		ConnID:  "conn-dp",
	}
}

// workerExpect blocks on the worker side of the IPC pair until a message of
// the wanted tag arrives.
func (h *harness) workerExpect(t *testing.T, want wire.Tag) (wire.Frame, []byte) {
	t.Helper()
	type recvd struct {
		tag     wire.Tag
		frame   wire.Frame
		payload []byte
		err     error
	}
	ch := make(chan recvd, 1)
	go func() {
		tag, payload, err := h.wrecv.BlockingReceive()
		ch <- recvd{tag: tag, frame: h.wrecv.LastFrame(), payload: payload, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.tag != want {
			t.Fatalf("worker received tag %v, want %v", r.tag, want)
		}
		return r.frame, r.payload
	case <-time.After(3 * time.Second):
		t.Fatalf("worker never received %v", want)
		return wire.Frame{}, nil
	}
}

func (h *harness) linkExpect(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-h.link.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("nothing sent on the link")
		return sent{}
	}
}

func TestExternalInvocationRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.externalInvoke(t, "inv-001", "hello-world", nil)

	frame, _ := h.workerExpect(t, wire.TagInvocationRequest)
	ir := wire.AsInvocationRequest(&frame)
	if ir.InvocationID() != "inv-001" || ir.FunctionName() != "hello-world" {
		t.Fatalf("dispatched %q %q", ir.InvocationID(), ir.FunctionName())
	}

	res, err := wire.NewInvocationResult("inv-001", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.wsend.Send(res, []byte("Hello, world!")); err != nil {
		t.Fatal(err)
	}

	out := h.linkExpect(t)
	if out.connID != "conn-dp" {
		t.Fatalf("result sent to %q", out.connID)
	}
	orc := wire.AsInvocationResult(&out.frame)
	if orc.InvocationID() != "inv-001" || orc.ReturnCode() != 0 || string(out.payload) != "Hello, world!" {
		t.Fatalf("result %q rc=%d payload=%q", orc.InvocationID(), orc.ReturnCode(), out.payload)
	}
}

func TestUnknownFunctionRejectedAtSubmission(t *testing.T) {
	h := newHarness(t)

	h.externalInvoke(t, "inv-002", "no-such-fn", nil)

	out := h.linkExpect(t)
	rc := wire.AsInvocationResult(&out.frame)
	if out.frame.Tag() != wire.TagInvocationResult || rc.ReturnCode() == 0 {
		t.Fatalf("expected synthesized failure, got tag=%v rc=%d", out.frame.Tag(), rc.ReturnCode())
	}
	if rc.InvocationID() != "inv-002" {
		t.Fatalf("failure names %q", rc.InvocationID())
	}
}

func TestWorkerPutGetStateFlow(t *testing.T) {
	h := newHarness(t)

	// state put, then a state get must return it without consuming
	put, err := wire.NewPutMessage("counter", ipc.TargetSelf, true)
	if err != nil {
		t.Fatal(err)
	}
	restamp(put, ipc.TagPutRequest)
	if err := h.wsend.Send(put, []byte{42}); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		get, err := wire.NewPutMessage("counter", "", true)
		if err != nil {
			t.Fatal(err)
		}
		restamp(get, ipc.TagGetRequest)
		if err := h.wsend.Send(get, nil); err != nil {
			t.Fatal(err)
		}
		frame, payload := h.workerExpect(t, ipc.TagGetReply)
		reply := wire.AsInvocationResult(&frame)
		if reply.ReturnCode() != 0 || len(payload) != 1 || payload[0] != 42 {
			t.Fatalf("state get: rc=%d payload=%v", reply.ReturnCode(), payload)
		}
	}
}

func TestWorkerMessageGetConsumes(t *testing.T) {
	h := newHarness(t)

	put, err := wire.NewPutMessage("note", ipc.TargetSelf, false)
	if err != nil {
		t.Fatal(err)
	}
	restamp(put, ipc.TagPutRequest)
	if err := h.wsend.Send(put, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	rcs := make([]int32, 0, 2)
	for range 2 {
		get, err := wire.NewPutMessage("note", ipc.TargetSelf, false)
		if err != nil {
			t.Fatal(err)
		}
		restamp(get, ipc.TagGetRequest)
		if err := h.wsend.Send(get, nil); err != nil {
			t.Fatal(err)
		}
		frame, _ := h.workerExpect(t, ipc.TagGetReply)
		rcs = append(rcs, wire.AsInvocationResult(&frame).ReturnCode())
	}
	if rcs[0] != 0 {
		t.Fatalf("first get missed: rc=%d", rcs[0])
	}
	if rcs[1] == 0 {
		t.Fatal("second get hit a consumed message")
	}
}

// TestRecursiveLocalInvocation plays a function that re-invokes another
// function on its own process: the worker issues a TagInvokeRequest, the
// controller queues it, dispatches it back to the (idle) worker, and the
// completed result is delivered to the waiting worker.
func TestRecursiveLocalInvocation(t *testing.T) {
	h := newHarness(t)

	req, err := wire.NewInvocationRequest("inv-sub-1", "add", wire.SourceLocal, ipc.TargetSelf)
	if err != nil {
		t.Fatal(err)
	}
	restamp(req, ipc.TagInvokeRequest)
	if err := h.wsend.Send(req, []byte("2,4")); err != nil {
		t.Fatal(err)
	}

	// the controller turns around and dispatches the sub-invocation
	frame, payload := h.workerExpect(t, wire.TagInvocationRequest)
	ir := wire.AsInvocationRequest(&frame)
	if ir.InvocationID() != "inv-sub-1" || ir.FunctionName() != "add" || string(payload) != "2,4" {
		t.Fatalf("sub-invocation %q %q payload=%q", ir.InvocationID(), ir.FunctionName(), payload)
	}

	res, err := wire.NewInvocationResult("inv-sub-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.wsend.Send(res, []byte("6")); err != nil {
		t.Fatal(err)
	}

	// ...and the result comes back to the waiting worker, not the link
	rframe, rpayload := h.workerExpect(t, wire.TagInvocationResult)
	rr := wire.AsInvocationResult(&rframe)
	if rr.InvocationID() != "inv-sub-1" || rr.ReturnCode() != 0 || string(rpayload) != "6" {
		t.Fatalf("relayed result %q rc=%d payload=%q", rr.InvocationID(), rr.ReturnCode(), rpayload)
	}
}

// TestPeerInvocationForwarded: a worker invoking a function on a named peer
// process makes the controller forward the request over the link, and a
// peer INVOCATION_RESULT arriving from outside is delivered to the waiter.
func TestPeerInvocationForwarded(t *testing.T) {
	h := newHarness(t)

	req, err := wire.NewInvocationRequest("inv-peer-1", "add", wire.SourceLocal, "proc0002")
	if err != nil {
		t.Fatal(err)
	}
	restamp(req, ipc.TagInvokeRequest)
	if err := h.wsend.Send(req, []byte("10,3")); err != nil {
		t.Fatal(err)
	}

	fwd := h.linkExpect(t)
	if fwd.connID != "proc0002" || fwd.frame.Tag() != wire.TagInvocationRequest {
		t.Fatalf("forwarded to %q tag=%v", fwd.connID, fwd.frame.Tag())
	}
	fr := wire.AsInvocationRequest(&fwd.frame)
	if fr.SourceKind() != wire.SourcePeerProcess || fr.SourceID() != "proc0001" {
		t.Fatalf("forwarded source %v %q", fr.SourceKind(), fr.SourceID())
	}

	res, err := wire.NewInvocationResult("inv-peer-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	h.external <- controller.ExternalMsg{
		Tag:     wire.TagInvocationResult,
		Frame:   *res,
		Payload: []byte("26"),
		Kind:    wire.SourcePeerProcess,
		ConnID:  "proc0002",
	}

	rframe, rpayload := h.workerExpect(t, wire.TagInvocationResult)
	rr := wire.AsInvocationResult(&rframe)
	if rr.InvocationID() != "inv-peer-1" || string(rpayload) != "26" {
		t.Fatalf("relayed result %q payload=%q", rr.InvocationID(), rpayload)
	}
}
