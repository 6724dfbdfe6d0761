// Package cluster holds the control-plane resource and lifecycle engine:
// Application and Process, their state machine, and the collections that
// own them (spec.md §3, §4.11, §4.12).
//
// Grounded on the teacher's core/meta package (Bck/Bprops: a named entity
// with a status, owned under its own reader/writer lock, mutated only
// through named transition methods) adapted from bucket metadata to
// process lifecycle state.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"net"
	"sync"
	"time"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/wire"
)

// Status is the process state machine (spec.md §3).
type Status int

const (
	Allocating Status = iota
	Allocated
	SwappingOut
	SwappedOut
	SwappingIn
	Closed
	Failure
)

func (s Status) String() string {
	switch s {
	case Allocating:
		return "ALLOCATING"
	case Allocated:
		return "ALLOCATED"
	case SwappingOut:
		return "SWAPPING_OUT"
	case SwappedOut:
		return "SWAPPED_OUT"
	case SwappingIn:
		return "SWAPPING_IN"
	case Closed:
		return "CLOSED"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// validNext enumerates the allowed next-states per spec.md §3; any state
// may also move to Failure (checked separately in transition()).
var validNext = map[Status][]Status{
	Allocating:  {Allocated},
	Allocated:   {SwappingOut},
	SwappingOut: {SwappedOut},
	SwappedOut:  {SwappingIn},
	SwappingIn:  {Allocated},
}

// Resources names the sandbox's allocation plus the backend that created it
// (spec.md §3; backend_kind is a [FULL] addition so delete/swap address the
// same backend that allocated the process).
type Resources struct {
	VCPUs       int
	MemoryMB    int64
	SandboxID   string
	BackendKind string // "subprocess" | "k8s"
}

// Metrics mirrors DATAPLANE_METRICS (spec.md §3, §4.18).
type Metrics struct {
	Invocations     uint64
	ComputationTime time.Duration
	LastInvocation  time.Time
	LastReport      time.Time
}

// SwapLoc is an opaque swap destination (spec.md §3).
type SwapLoc struct {
	Scheme string
	Path   string
}

// State is the process's swap-related bookkeeping (spec.md §3).
type State struct {
	Size      int64
	SwapLoc   *SwapLoc
	SessionID string
}

// BackendInstance is the backend-specific handle to a running sandbox
// (subprocess PID, k8s pod name, ...); opaque to cluster.
type BackendInstance interface {
	Stop() error
}

// Process is a reference cell for one sandbox (spec.md §4.11). Writers take
// mu exclusively; readers take it shared. Metrics has its own mutex so a
// DATAPLANE_METRICS update never contends with a status transition.
type Process struct {
	mu     sync.RWMutex
	name   string
	status Status

	resources Resources
	handle    BackendInstance
	conn      net.Conn
	ip        string
	port      uint16
	state     State

	metricsMu sync.Mutex
	metrics   Metrics

	// sendMu serialises frame writes on conn: a frame is two stream writes
	// (header, payload) and interleaving them corrupts the channel.
	sendMu sync.Mutex
}

func NewProcess(name string, res Resources) *Process {
	return &Process{name: name, status: Allocating, resources: res}
}

func (p *Process) Name() string { return p.name }

func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Process) Resources() Resources {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resources
}

func (p *Process) Endpoint() (ip string, port uint16) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ip, p.port
}

func (p *Process) Conn() net.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Process) SwapLoc() *SwapLoc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.SwapLoc
}

// transition enforces the state machine (spec.md §3, §7 InvalidProcessState).
// Callers must hold p.mu exclusively.
func (p *Process) transition(to Status) error {
	if to == Failure {
		p.status = Failure
		return nil
	}
	for _, ok := range validNext[p.status] {
		if ok == to {
			p.status = to
			return nil
		}
	}
	return cos.NewErrInvalidProcessState(p.name, p.status.String(), to.String())
}

// Connect records the process's control channel and endpoint, valid only
// from ALLOCATING (spec.md §4.11).
func (p *Process) Connect(conn net.Conn, ip string, port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.transition(Allocated); err != nil {
		return err
	}
	p.conn = conn
	p.ip, p.port = ip, port
	return nil
}

// SetEndpoint records the process's reachable data-plane address as reported
// by the backend at allocation time, before the process has dialed in (the
// PROCESS_CONNECTION handshake carries only the name, spec.md §6).
func (p *Process) SetEndpoint(ip string, port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ip, p.port = ip, port
}

// SetHandle records the backend-specific instance handle once allocation
// succeeds (subprocess PID, pod name, ...).
func (p *Process) SetHandle(h BackendInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handle = h
}

func (p *Process) Handle() BackendInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handle
}

// WriteFrame serialises one header+payload write on the process's control
// connection.
func (p *Process) WriteFrame(f *wire.Frame, payload []byte) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return cos.NewErrNotFound("connection for process %q", p.name)
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return wire.WriteFrame(conn, f, payload)
}

// Swap sends a SWAP_REQUEST frame naming loc and moves to SWAPPING_OUT
// (spec.md §4.11, §4.12 swap_process).
func (p *Process) Swap(loc SwapLoc) error {
	p.mu.Lock()
	if err := p.transition(SwappingOut); err != nil {
		p.mu.Unlock()
		return err
	}
	p.state.SwapLoc = &loc
	p.mu.Unlock()

	f, err := wire.NewSwapRequest(loc.Scheme, loc.Path)
	if err != nil {
		return err
	}
	return p.WriteFrame(f, nil)
}

// MarkSwappedOut completes a swap (spec.md §4.12 swapped_process): requires
// SWAPPING_OUT.
func (p *Process) MarkSwappedOut(bytesWritten int64, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.transition(SwappedOut); err != nil {
		return err
	}
	p.state.Size = bytesWritten
	p.state.SessionID = sessionID
	return nil
}

// BeginSwapIn moves SWAPPED_OUT -> SWAPPING_IN, then Connect() (called once
// the process reconnects with restored state) finishes the cycle back to
// ALLOCATED.
func (p *Process) BeginSwapIn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transition(SwappingIn)
}

// UpdateMetrics applies a DATAPLANE_METRICS report (spec.md §4.11, §4.18).
func (p *Process) UpdateMetrics(computed time.Duration, newInvocations uint64, ts time.Time) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	p.metrics.Invocations += newInvocations
	p.metrics.ComputationTime += computed
	if newInvocations > 0 {
		p.metrics.LastInvocation = ts
	}
	p.metrics.LastReport = ts
}

func (p *Process) Metrics() Metrics {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	return p.metrics
}

// CloseConnection drops the socket and marks the process CLOSED
// (spec.md §4.11).
func (p *Process) CloseConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.status = Closed
}

// MarkFailure force-transitions to FAILURE regardless of current state
// (spec.md §3 "any transition may move to FAILURE").
func (p *Process) MarkFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Failure
}

// IdleFor reports how long the process has been idle, per the downscaler's
// rule (spec.md §4.14): from the last invocation if there has been one,
// otherwise the caller supplies a fallback (last event time).
func (p *Process) IdleFor(fallback time.Time) time.Duration {
	m := p.Metrics()
	if m.LastInvocation.IsZero() {
		return time.Since(fallback)
	}
	return time.Since(m.LastInvocation)
}
