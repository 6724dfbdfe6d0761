// Package controller implements the process controller: the single
// goroutine that owns a process's mailbox, work queue, and worker pool, and
// drives them from one event loop (spec.md §4.8). Mailbox and Queue are
// deliberately unlocked (spec.md §5) — every mutation happens on this
// goroutine.
//
// Grounded on the teacher's single-threaded xaction/dispatch loop (one
// driver goroutine polling a small number of channels/queues and fanning
// work out to a bounded worker set) adapted from batch object xactions to
// per-invocation dispatch over OS-process workers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package controller

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/ipc"
	"github.com/NVIDIA/aislambda/process/function"
	"github.com/NVIDIA/aislambda/process/mailbox"
	"github.com/NVIDIA/aislambda/process/queue"
	"github.com/NVIDIA/aislambda/process/swap"
	"github.com/NVIDIA/aislambda/process/workerpool"
	"github.com/NVIDIA/aislambda/wire"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ExternalMsg is one frame handed to the controller by the TCP wire server
// (spec.md §4.10): the control plane, a dataplane client, or a peer process
// reached in over the network. ConnID identifies the connection to reply
// on, opaque to the controller.
type ExternalMsg struct {
	Tag     wire.Tag
	Frame   wire.Frame
	Payload []byte
	Kind    wire.SourceKind
	ConnID  string
}

// Link is everything the controller needs from the TCP wire server to talk
// back out (spec.md §4.10): reply to whichever connection a request arrived
// on, and push unsolicited frames (metrics, swap confirmation) to the
// control plane.
type Link interface {
	Send(connID string, f *wire.Frame, payload []byte) error
	SendControlplane(f *wire.Frame, payload []byte) error
	// SendPeer routes f to the named peer process, dialing it on demand
	// from the address learned via a prior APPLICATION_UPDATE.
	SendPeer(procID string, f *wire.Frame, payload []byte) error
	// UpdatePeer records (or clears, on status == closed) a peer process's
	// address so a later cross-process PUT/INVOCATION can be routed by name.
	UpdatePeer(procID, ip string, port uint16, status byte)
}

// invSource remembers where a locally-admitted invocation must be answered
// once a worker (or a peer, for one this process forwarded) finishes it.
type invSource struct {
	kind   wire.SourceKind
	connID string
}

type metrics struct {
	invocations     uint64
	computationMS   uint64
	lastInvocation  int64
}

// Controller owns one process's mailbox, work queue, and worker pool, and
// runs its event loop on a single goroutine (spec.md §4.8, §5).
type Controller struct {
	procID string

	reg  *function.Registry
	mb   *mailbox.Mailbox
	wq   *queue.Queue
	pool *workerpool.Pool
	bufs *ipc.Pool
	loop *eventLoop

	link     Link
	external <-chan ExternalMsg

	sources map[string]invSource // invocation id -> origin, cleared on finish
	// waiters holds the local workers blocked on an invocation id they
	// themselves issued (spec.md §4.8 "pending_msgs ... keyed by invocation
	// id, each storing a back-reference to the worker that must receive the
	// reply"). Every waiter gets the result before the id is erased.
	waiters map[string][]*workerpool.FunctionWorker
	met     metrics

	metricsEvery   time.Duration
	lastMetricsEmit time.Time

	closing bool
}

func New(procID string, reg *function.Registry, pool *workerpool.Pool, bufs *ipc.Pool, link Link, external <-chan ExternalMsg) (*Controller, error) {
	loop, err := newEventLoop()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		procID:       procID,
		reg:          reg,
		mb:           mailbox.New(),
		wq:           queue.New(reg),
		pool:         pool,
		bufs:         bufs,
		loop:         loop,
		link:         link,
		external:     external,
		sources:      make(map[string]invSource),
		waiters:      make(map[string][]*workerpool.FunctionWorker),
		metricsEvery: 10 * time.Second,
	}
	for i, w := range pool.Workers() {
		if fd, ok := w.Recv.Fd(); ok {
			if err := c.loop.Add(workerKey(i), fd); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func workerKey(i int) string { return "w" + strconv.Itoa(i) }

// RestoreFrom repopulates the mailbox from a prior swap-out, run once before
// Run (spec.md §4.18 "the process reads SWAPIN_LOCATION...and restores").
func (c *Controller) RestoreFrom(loc swap.Loc) error {
	s, err := swap.For(loc.Scheme)
	if err != nil {
		return err
	}
	entries, err := s.Load(loc, c.procID)
	if err != nil {
		return err
	}
	c.mb.Restore(entries)
	return nil
}

// Run is the main event loop (spec.md §4.8): drain inbound TCP messages,
// poll every worker's recv channel, then submit as much ready work as there
// are idle workers, repeating until ctx is cancelled or a PROCESS_CLOSURE
// arrives.
func (c *Controller) Run(ctx context.Context) error {
	c.lastMetricsEmit = time.Now()
	for !c.closing {
		select {
		case <-ctx.Done():
			c.pool.Shutdown()
			_ = c.loop.Close()
			return ctx.Err()
		default:
		}

		c.drainExternal()
		c.pollWorkers(50 * time.Millisecond)
		c.submitReady()
		c.maybeEmitMetrics()
	}
	c.pool.Shutdown()
	return c.loop.Close()
}

// drainExternal empties the channel fed by the TCP wire server without
// blocking the worker poll below it (spec.md §4.8 step 1).
func (c *Controller) drainExternal() {
	for {
		select {
		case msg, ok := <-c.external:
			if !ok {
				c.closing = true
				return
			}
			c.handleExternal(msg)
		default:
			return
		}
	}
}

func (c *Controller) handleExternal(msg ExternalMsg) {
	switch msg.Tag {
	case wire.TagInvocationRequest:
		c.admitInvocation(msg)
	case wire.TagInvocationResult:
		c.forwardResult(msg)
	case wire.TagPutMessage:
		c.applyPut(wire.AsPutMessage(&msg.Frame), msg.Payload)
	case wire.TagSwapRequest:
		c.handleSwapRequest(wire.AsSwapRequest(&msg.Frame))
	case wire.TagApplicationUpdate:
		c.applyAppUpdate(&msg.Frame)
	case wire.TagProcessClosure:
		c.closing = true
	default:
		nlog.Warningf("process %s: unexpected external tag %v", c.procID, msg.Tag)
	}
}

func (c *Controller) admitInvocation(msg ExternalMsg) {
	iv := wire.AsInvocationRequest(&msg.Frame)
	inv := &queue.Invocation{
		ID:           iv.InvocationID(),
		FunctionName: iv.FunctionName(),
		SourceKind:   byte(iv.SourceKind()),
		SourceID:     iv.SourceID(),
		Payloads:     [][]byte{msg.Payload},
	}
	if err := c.wq.AddPayload(inv); err != nil {
		c.replyInvocationFailure(msg.ConnID, inv.ID, err)
		return
	}
	c.sources[inv.ID] = invSource{kind: msg.Kind, connID: msg.ConnID}
}

func (c *Controller) replyInvocationFailure(connID, invID string, err error) {
	rc := int32(1)
	nlog.Warningf("process %s: invocation %s rejected: %v", c.procID, invID, err)
	f, ferr := wire.NewInvocationResult(invID, rc)
	if ferr != nil {
		nlog.Errorf("process %s: %v", c.procID, ferr)
		return
	}
	if err := c.link.Send(connID, f, nil); err != nil {
		nlog.Warningf("process %s: failed replying invocation failure: %v", c.procID, err)
	}
}

// forwardResult relays an INVOCATION_RESULT that arrived from a peer process
// this process had forwarded an invocation to: every local worker awaiting
// the id gets it first, then any remote origin (spec.md §4.8 step 1 "look
// up all workers awaiting that invocation id; forward the result+payload to
// each; then erase the waiters").
func (c *Controller) forwardResult(msg ExternalMsg) {
	ir := wire.AsInvocationResult(&msg.Frame)
	id := ir.InvocationID()
	delivered := c.deliverToWaiters(id, &msg.Frame, msg.Payload)
	src, ok := c.sources[id]
	if !ok {
		if !delivered {
			nlog.Warningf("process %s: result for unknown invocation %s", c.procID, id)
		}
		return
	}
	delete(c.sources, id)
	if src.kind == wire.SourceLocal {
		return
	}
	if err := c.link.Send(src.connID, &msg.Frame, msg.Payload); err != nil {
		nlog.Warningf("process %s: failed relaying result %s: %v", c.procID, id, err)
	}
}

// deliverToWaiters pushes an INVOCATION_RESULT to every local worker blocked
// on id and erases the waiter list; reports whether there was at least one.
func (c *Controller) deliverToWaiters(id string, f *wire.Frame, payload []byte) bool {
	ws, ok := c.waiters[id]
	if !ok {
		return false
	}
	delete(c.waiters, id)
	for _, w := range ws {
		if err := w.Send.Send(f, payload); err != nil {
			nlog.Warningf("process %s: failed delivering result %s to worker pid=%d: %v", c.procID, id, w.PID, err)
		}
	}
	return true
}

func (c *Controller) applyPut(pm wire.PutMessageView, payload []byte) {
	if pm.IsState() {
		c.mb.State(pm.Key(), payload)
		return
	}
	if !c.mb.Put(pm.Key(), pm.SourceID(), payload) {
		nlog.Warningf("process %s: duplicate put for key %s/%s", c.procID, pm.Key(), pm.SourceID())
	}
}

// applyAppUpdate records the peer's address for on-demand dialing and fans
// the frame out to every worker in the order received (spec.md §4.8 step 2,
// §5 "APPLICATION_UPDATE frames arrive at workers in the order the control
// plane emits them").
func (c *Controller) applyAppUpdate(f *wire.Frame) {
	au := wire.AsAppUpdate(f)
	c.link.UpdatePeer(au.ProcessID(), au.IP(), au.Port(), au.Status())
	c.pool.Broadcast(f)
}

// handleSwapRequest persists the mailbox and state tables and replies with a
// confirmation (spec.md §4.7, §4.12 swap_process). Save is given an empty
// filesDir, so worker-local files are not persisted.
func (c *Controller) handleSwapRequest(sr wire.SwapRequestView) {
	start := time.Now()
	loc := swap.Loc{Scheme: sr.Scheme(), Path: sr.Path()}
	s, err := swap.For(loc.Scheme)
	if err != nil {
		nlog.Errorf("process %s: swap-out failed: %v", c.procID, err)
		c.closing = true
		return
	}
	n, err := s.Save(loc, c.procID, c.mb.AllState(), "")
	if err != nil {
		nlog.Errorf("process %s: swap-out failed: %v", c.procID, err)
		c.closing = true
		return
	}
	f := wire.NewSwapConfirmation(uint64(n), uint64(time.Since(start).Milliseconds()))
	if err := c.link.SendControlplane(f, nil); err != nil {
		nlog.Warningf("process %s: failed to ack swap-out: %v", c.procID, err)
	}
	// a swapped-out process exits; the control plane re-execs a fresh one on
	// swap-in (spec.md §4.7, §4.18).
	c.closing = true
}

// pollWorkers waits up to timeout for any worker's recv fd to become
// readable, then drains every ready worker's channel (spec.md §4.8 step 3).
func (c *Controller) pollWorkers(timeout time.Duration) {
	keys, _, err := c.loop.Wait(timeout)
	if err != nil {
		nlog.Errorf("process %s: epoll wait: %v", c.procID, err)
		return
	}
	workers := c.pool.Workers()
	for _, key := range keys {
		idx := workerIndex(key)
		if idx < 0 || idx >= len(workers) {
			continue
		}
		c.drainWorker(workers[idx])
	}
}

func workerIndex(key string) int {
	if len(key) < 2 || key[0] != 'w' {
		return -1
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil {
		return -1
	}
	return n
}

// drainWorker advances one worker's stateful receive by at most one message
// per readiness event; the level-triggered poll re-arms immediately while
// buffered data remains, so the loop never parks on a single worker's pipe.
func (c *Controller) drainWorker(w *workerpool.FunctionWorker) {
	complete, tag, buf, err := w.Recv.Receive()
	if err != nil {
		nlog.Warningf("process %s: worker %d recv error: %v", c.procID, w.PID, err)
		return
	}
	if !complete {
		return
	}
	var payload []byte
	if buf != nil {
		payload = buf.Bytes()
	}
	c.handleWorkerMessage(w, tag, payload)
	if buf != nil {
		c.bufs.Return(buf)
	}
}

func (c *Controller) handleWorkerMessage(w *workerpool.FunctionWorker, tag wire.Tag, payload []byte) {
	switch tag {
	case wire.TagInvocationResult:
		c.completeInvocation(w, payload)
	case ipc.TagInvokeRequest:
		c.handleWorkerInvoke(w, payload)
	case ipc.TagPutRequest:
		c.handleWorkerPut(w, payload)
	case ipc.TagGetRequest:
		c.handleGet(w, payload)
	case ipc.TagStateKeysRequest:
		c.handleStateKeys(w)
	default:
		nlog.Warningf("process %s: worker %d sent unexpected tag %v", c.procID, w.PID, tag)
	}
}

func (c *Controller) completeInvocation(w *workerpool.FunctionWorker, payload []byte) {
	frame := w.Recv.LastFrame()
	ir := wire.AsInvocationResult(&frame)
	id := ir.InvocationID()
	c.pool.Finish(w)

	c.met.invocations++
	c.met.lastInvocation = time.Now().UnixNano()
	if inv, ok := c.wq.Finish(id); ok {
		c.met.computationMS += uint64(inv.Elapsed().Milliseconds())
	}

	delivered := c.deliverToWaiters(id, &frame, payload)

	src, ok := c.sources[id]
	delete(c.sources, id)
	if !ok {
		if !delivered {
			nlog.Warningf("process %s: result for unowned invocation %s", c.procID, id)
		}
		return
	}
	if src.kind == wire.SourceLocal {
		return // local waiters already served above
	}
	if err := c.link.Send(src.connID, &frame, payload); err != nil {
		nlog.Warningf("process %s: failed to deliver result %s: %v", c.procID, id, err)
	}
}

// handleWorkerInvoke admits an invocation a worker issued from inside a
// running function (spec.md §4.8 step 3 "INVOCATION_REQUEST: register the
// requesting worker as a waiter for the new invocation id; if the target
// process is SELF, enqueue locally; otherwise ask the TCP server to forward
// to the named peer").
func (c *Controller) handleWorkerInvoke(w *workerpool.FunctionWorker, payload []byte) {
	frame := w.Recv.LastFrame()
	iv := wire.AsInvocationRequest(&frame)
	id, target := iv.InvocationID(), iv.SourceID()

	c.waiters[id] = append(c.waiters[id], w)

	if target == "" || target == ipc.TargetSelf || target == c.procID {
		inv := &queue.Invocation{
			ID:           id,
			FunctionName: iv.FunctionName(),
			SourceKind:   byte(wire.SourceLocal),
			SourceID:     c.procID,
			Payloads:     [][]byte{payload},
		}
		if err := c.wq.AddPayload(inv); err != nil {
			c.failLocalWaiters(id, err)
			return
		}
		c.sources[id] = invSource{kind: wire.SourceLocal}
		return
	}

	f, err := wire.NewInvocationRequest(id, iv.FunctionName(), wire.SourcePeerProcess, c.procID)
	if err != nil {
		c.failLocalWaiters(id, err)
		return
	}
	if err := c.link.SendPeer(target, f, payload); err != nil {
		c.failLocalWaiters(id, err)
	}
}

// failLocalWaiters synthesizes a failed INVOCATION_RESULT for every local
// worker awaiting id (a single bad request never kills the process,
// spec.md §7).
func (c *Controller) failLocalWaiters(id string, cause error) {
	nlog.Warningf("process %s: invocation %s failed: %v", c.procID, id, cause)
	f, err := wire.NewInvocationResult(id, -1)
	if err != nil {
		nlog.Errorf("process %s: %v", c.procID, err)
		return
	}
	c.deliverToWaiters(id, f, []byte(cause.Error()))
}

// handleWorkerPut routes a worker's PUT (spec.md §4.8 step 3 "PUT_REQUEST:
// if state, store under mailbox.state; else if SELF, deliver-or-store;
// else forward remotely"). The IPC frame's source-id slot names the TARGET
// process; a forwarded frame carries this process's id as the source.
func (c *Controller) handleWorkerPut(w *workerpool.FunctionWorker, payload []byte) {
	frame := w.Recv.LastFrame()
	pm := wire.AsPutMessage(&frame)
	target := pm.SourceID()

	if target == "" || target == ipc.TargetSelf || target == c.procID {
		if pm.IsState() {
			c.mb.State(pm.Key(), payload)
			return
		}
		if !c.mb.Put(pm.Key(), c.procID, payload) {
			nlog.Warningf("process %s: duplicate put for key %s", c.procID, pm.Key())
		}
		return
	}

	f, err := wire.NewPutMessage(pm.Key(), c.procID, pm.IsState())
	if err != nil {
		nlog.Errorf("process %s: %v", c.procID, err)
		return
	}
	if err := c.link.SendPeer(target, f, payload); err != nil {
		nlog.Warningf("process %s: failed forwarding put %s to %s: %v", c.procID, pm.Key(), target, err)
	}
}

// handleGet answers a worker's GET synchronously: a hit returns the value
// inline, a miss returns ReturnCode() != 0 (spec.md §4.9 get(), §7
// FunctionGetFailure) rather than blocking the single-threaded loop on a
// value that may never arrive.
func (c *Controller) handleGet(w *workerpool.FunctionWorker, _ []byte) {
	frame := w.Recv.LastFrame()
	pm := wire.AsPutMessage(&frame)

	var (
		val []byte
		hit bool
	)
	if pm.IsState() {
		val, hit = c.mb.TryState(pm.Key())
	} else {
		source := pm.SourceID()
		if source == "" || source == ipc.TargetSelf {
			source = c.procID
		}
		val, hit = c.mb.TryGet(pm.Key(), source)
	}

	rc := int32(0)
	if !hit {
		rc = 1
		val = nil
	}
	// TagGetReply reuses InvocationResultView's (id, return_code) layout
	// (ipc/proto.go); build via the wire constructor, then restamp the tag.
	reply, err := wire.NewInvocationResult(pm.Key(), rc)
	if err != nil {
		nlog.Errorf("process %s: %v", c.procID, err)
		return
	}
	binary.LittleEndian.PutUint16(reply[:2], uint16(ipc.TagGetReply))
	if err := w.Send.Send(reply, val); err != nil {
		nlog.Warningf("process %s: failed to answer get: %v", c.procID, err)
	}
}

func (c *Controller) handleStateKeys(w *workerpool.FunctionWorker) {
	type stateKeyJSON struct {
		Name     string `json:"name"`
		UnixNano int64  `json:"unix_nano"`
	}
	keys := c.mb.StateKeys()
	out := make([]stateKeyJSON, len(keys))
	for i, k := range keys {
		out[i] = stateKeyJSON{Name: k.Name, UnixNano: k.Timestamp.UnixNano()}
	}
	b, err := jsonAPI.Marshal(out)
	if err != nil {
		nlog.Errorf("process %s: %v", c.procID, err)
		return
	}
	reply := wire.NewFrame(ipc.TagStateKeysReply)
	if err := w.Send.Send(reply, b); err != nil {
		nlog.Warningf("process %s: failed to answer state_keys: %v", c.procID, err)
	}
}

// submitReady dispatches as many ready invocations as there are idle
// workers (spec.md §4.8 step 4, §4.5, §4.6).
func (c *Controller) submitReady() {
	for c.pool.HasIdle() {
		inv, ok := c.wq.Next()
		if !ok {
			return
		}
		var payload []byte
		if len(inv.Payloads) > 0 {
			payload = inv.Payloads[0]
		}
		if _, err := c.pool.Submit(inv.ID, inv.FunctionName, wire.SourceKind(inv.SourceKind), inv.SourceID, payload); err != nil {
			nlog.Warningf("process %s: submit %s failed: %v", c.procID, inv.ID, err)
			c.wq.Finish(inv.ID)
			if src, ok := c.sources[inv.ID]; ok {
				delete(c.sources, inv.ID)
				c.replyInvocationFailure(src.connID, inv.ID, cos.NewErrNotFound("idle worker"))
			}
			return
		}
	}
}

func (c *Controller) maybeEmitMetrics() {
	if time.Since(c.lastMetricsEmit) < c.metricsEvery {
		return
	}
	c.lastMetricsEmit = time.Now()
	f, err := wire.NewMetrics(c.procID, c.met.invocations, c.met.computationMS, c.met.lastInvocation)
	if err != nil {
		nlog.Errorf("process %s: %v", c.procID, err)
		return
	}
	if err := c.link.SendControlplane(f, nil); err != nil {
		nlog.Warningf("process %s: failed to emit metrics: %v", c.procID, err)
	}
}
