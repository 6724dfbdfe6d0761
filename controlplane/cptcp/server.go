// Package cptcp is the control-plane TCP server: it accepts process
// registrations, demultiplexes every subsequent frame by the registered
// process name, and feeds results/metrics/confirmations back into the
// owning Application and the worker pool's waiter table (spec.md §2, §4.13,
// §6 "Process TCP surface" seen from the control-plane side).
//
// Grounded on the teacher's transport server (net.Listen accept loop, one
// read goroutine per connection, a mutex-guarded name->connection table)
// with the teacher's stats-package Prometheus convention for the counters.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cptcp

import (
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/wire"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aislambda_cptcp_frames_received_total",
		Help: "Frames received from processes, by tag.",
	}, []string{"tag"})
	processesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aislambda_cptcp_processes_connected",
		Help: "Processes currently registered on the control channel.",
	})
	swapBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aislambda_cptcp_swap_bytes_total",
		Help: "Total bytes reported by SWAP_CONFIRMATION frames.",
	})
)

// ResultDispatcher is the waiter-table side of the worker pool (spec.md
// §4.13 "On an incoming INVOCATION_RESULT from a process: look up the HTTP
// callback by invocation id").
type ResultDispatcher interface {
	OnInvocationResult(invID string, rc int32, payload []byte)
}

// Server listens for process registrations (spec.md §2 "TCP server
// (control-plane)"). It implements cluster.TCP.
type Server struct {
	reg  *cluster.Registry
	disp ResultDispatcher
	ln   net.Listener

	mu    sync.Mutex
	procs map[string]*cluster.Process // registered via AddProcess, pre-connection

	swapMu      sync.Mutex
	swapWaiters map[string][]chan SwapInfo
}

// SwapInfo is the payload of a SWAP_CONFIRMATION, surfaced to the HTTP
// /swap_process handler (spec.md §6 "{swap_size, swap_time_ms}").
type SwapInfo struct {
	Bytes     uint64
	ElapsedMS uint64
}

func New(reg *cluster.Registry, disp ResultDispatcher) *Server {
	return &Server{
		reg:         reg,
		disp:        disp,
		procs:       make(map[string]*cluster.Process),
		swapWaiters: make(map[string][]chan SwapInfo),
	}
}

// SetDispatcher wires the worker pool's waiter table in after construction
// (the pool itself needs this server as its cluster.TCP, so one of the two
// is necessarily built first).
func (s *Server) SetDispatcher(disp ResultDispatcher) { s.disp = disp }

// WaitSwap parks the caller until procID's SWAP_CONFIRMATION arrives; the
// returned channel is buffered so a timed-out caller never blocks delivery.
func (s *Server) WaitSwap(procID string) <-chan SwapInfo {
	ch := make(chan SwapInfo, 1)
	s.swapMu.Lock()
	s.swapWaiters[procID] = append(s.swapWaiters[procID], ch)
	s.swapMu.Unlock()
	return ch
}

var _ cluster.TCP = (*Server)(nil)

// AddProcess pre-registers a process awaiting its PROCESS_CONNECTION
// handshake; the table holds weak references keyed by name (spec.md §3
// ownership summary — the Application still owns the Process).
func (s *Server) AddProcess(p *cluster.Process) {
	s.mu.Lock()
	s.procs[p.Name()] = p
	s.mu.Unlock()
}

func (s *Server) RemoveProcess(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

func (s *Server) lookup(name string) (*cluster.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	nlog.Infof("control-plane tcp server listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Shutdown() {
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		go s.serve(conn)
	}
}

// serve runs one connection: handshake first (the first frame must be a
// PROCESS_CONNECTION naming the process, spec.md §6), then the dispatch
// loop until the peer closes or sends an invalid frame.
func (s *Server) serve(conn net.Conn) {
	f, _, err := wire.ReadFrame(conn)
	if err != nil || f.Tag() != wire.TagProcessConnection {
		nlog.Warningf("cptcp: bad handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	procID := wire.AsConn(f).Name()
	p, ok := s.lookup(procID)
	if !ok {
		nlog.Warningf("cptcp: connection from unknown process %q", procID)
		conn.Close()
		return
	}

	ip, port := p.Endpoint()
	if err := p.Connect(conn, ip, port); err != nil {
		nlog.Errorf("cptcp: process %q: %v", procID, err)
		conn.Close()
		return
	}
	ack, err := wire.NewConn(wire.ConnAck)
	if err == nil {
		err = p.WriteFrame(ack, nil)
	}
	if err != nil {
		nlog.Warningf("cptcp: handshake ack to %q failed: %v", procID, err)
		s.closed(procID)
		return
	}
	processesConnected.Inc()
	defer processesConnected.Dec()

	s.announce(procID)
	s.readLoop(procID, conn)
	s.closed(procID)
}

func (s *Server) readLoop(procID string, conn net.Conn) {
	for {
		f, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !cos.IsEOF(err) {
				nlog.Warningf("cptcp: process %q read: %v", procID, err)
			}
			return
		}
		framesReceived.WithLabelValues(f.Tag().String()).Inc()
		switch f.Tag() {
		case wire.TagInvocationResult:
			ir := wire.AsInvocationResult(f)
			s.disp.OnInvocationResult(ir.InvocationID(), ir.ReturnCode(), payload)
		case wire.TagSwapConfirmation:
			s.swapConfirmed(procID, wire.AsSwapConfirmation(f))
		case wire.TagDataplaneMetrics:
			s.applyMetrics(wire.AsMetrics(f))
		case wire.TagProcessClosure:
			return // graceful; serve() calls closed() for the bookkeeping
		default:
			nlog.Warningf("cptcp: process %q sent unexpected tag %v", procID, f.Tag())
		}
	}
}

// swapConfirmed completes swap_process (spec.md §4.12 swapped_process): the
// process has persisted its state and will exit; move it active -> swapped.
func (s *Server) swapConfirmed(procID string, sc wire.SwapConfirmationView) {
	app, p, ok := s.reg.ResolveProcess(procID)
	if !ok {
		nlog.Warningf("cptcp: swap confirmation for unknown process %q", procID)
		return
	}
	session := ""
	if loc := p.SwapLoc(); loc != nil {
		session = path.Base(loc.Path)
	}
	swapBytes.Add(float64(sc.BytesWritten()))
	if err := app.SwappedProcess(procID, int64(sc.BytesWritten()), session); err != nil {
		nlog.Errorf("cptcp: %v", err)
		return
	}
	nlog.Infof("process %s swapped out: %d bytes in %dms", procID, sc.BytesWritten(), sc.ElapsedMS())

	s.swapMu.Lock()
	ws := s.swapWaiters[procID]
	delete(s.swapWaiters, procID)
	s.swapMu.Unlock()
	for _, ch := range ws {
		ch <- SwapInfo{Bytes: sc.BytesWritten(), ElapsedMS: sc.ElapsedMS()}
	}
}

func (s *Server) applyMetrics(m wire.MetricsView) {
	_, p, ok := s.reg.ResolveProcess(m.ProcessID())
	if !ok {
		return
	}
	ts := time.Unix(0, m.LastInvocation())
	p.UpdateMetrics(time.Duration(m.ComputationMS())*time.Millisecond, m.Invocations(), ts)
}

// closed handles both a PROCESS_CLOSURE and an unexpected socket close the
// same way (spec.md §4.18): the Application decides whether this is a
// benign post-swap exit or a failure.
func (s *Server) closed(procID string) {
	app, _, ok := s.reg.ResolveProcess(procID)
	if !ok {
		return
	}
	app.ClosedProcess(procID)
	s.RemoveProcess(procID)
	s.broadcast(app, procID, wire.ProcessRemoved, "", 0)
}

// announce tells the newcomer about every connected peer and every
// connected peer about the newcomer, in emit order (spec.md §5
// "APPLICATION_UPDATE frames arrive at workers in the order the control
// plane emits them").
func (s *Server) announce(procID string) {
	app, p, ok := s.reg.ResolveProcess(procID)
	if !ok {
		return
	}
	ip, port := p.Endpoint()
	s.broadcast(app, procID, wire.ProcessActive, ip, port)

	app.RangeActive(func(peer *cluster.Process) {
		if peer.Name() == procID || peer.Status() != cluster.Allocated {
			return
		}
		pip, pport := peer.Endpoint()
		f, err := wire.NewAppUpdate(peer.Name(), wire.ProcessActive, pip, pport)
		if err != nil {
			nlog.Errorf("cptcp: %v", err)
			return
		}
		if err := p.WriteFrame(f, nil); err != nil {
			nlog.Warningf("cptcp: app update to %q: %v", procID, err)
		}
	})
}

func (s *Server) broadcast(app *cluster.Application, procID string, status byte, ip string, port uint16) {
	f, err := wire.NewAppUpdate(procID, status, ip, port)
	if err != nil {
		nlog.Errorf("cptcp: %v", err)
		return
	}
	app.RangeActive(func(peer *cluster.Process) {
		if peer.Name() == procID || peer.Status() != cluster.Allocated {
			return
		}
		if err := peer.WriteFrame(f, nil); err != nil {
			nlog.Warningf("cptcp: app update (%s %s) to %q: %v",
				procID, strconv.Itoa(int(status)), peer.Name(), err)
		}
	})
}
