// Package controller — the process-side TCP wire server (spec.md §4.10):
// one outbound connection to the control plane, plus an inbound listener
// for dataplane clients and peer processes forwarding cross-process
// messages. Every accepted connection gets its own read goroutine that
// only ever pushes onto the controller's external channel — all mutation
// of controller state still happens on the controller's own goroutine.
//
// Grounded on the teacher's transport accept-loop (net.Listen, one
// goroutine per accepted connection, framed reads feeding a shared
// dispatch point) adapted from the teacher's streaming object transport to
// this spec's fixed-frame control protocol.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package controller

import (
	"net"
	"strconv"
	"sync"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/ipc"
	"github.com/NVIDIA/aislambda/wire"
)

// TCPServer implements Link and produces the channel of ExternalMsg the
// Controller's event loop drains (spec.md §4.8 step 1, §4.10).
type TCPServer struct {
	procID string
	bufs   *ipc.Pool
	ln     net.Listener

	mu                 sync.Mutex
	conns              map[string]net.Conn
	controlplaneConnID string
	peers              map[string]string // procID -> "ip:port"

	out chan ExternalMsg
}

func NewTCPServer(procID string, bufs *ipc.Pool) *TCPServer {
	return &TCPServer{
		procID: procID,
		bufs:   bufs,
		conns:  make(map[string]net.Conn),
		peers:  make(map[string]string),
		out:    make(chan ExternalMsg, 64),
	}
}

// External is read by Controller.Run's drain step.
func (s *TCPServer) External() <-chan ExternalMsg { return s.out }

// Listen starts accepting dataplane and peer-process connections on addr
// ("" picks an ephemeral port; callers read Addr() to report it back via
// APPLICATION_UPDATE).
func (s *TCPServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

func (s *TCPServer) Addr() net.Addr { return s.ln.Addr() }

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return // listener closed at shutdown
		}
		go s.serve(conn, wire.SourceDataplane)
	}
}

// ConnectControlplane dials the control plane's per-process TCP endpoint
// and sends the PROCESS_CONNECTION handshake (spec.md §4.10 "the process
// connects to the control plane on startup").
func (s *TCPServer) ConnectControlplane(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	f, err := wire.NewConn(s.procID)
	if err != nil {
		conn.Close()
		return err
	}
	ch := ipc.NewChannel(conn, s.bufs)
	if err := ch.Send(f, nil); err != nil {
		conn.Close()
		return err
	}
	connID := cos.GenUUID()
	s.mu.Lock()
	s.conns[connID] = conn
	s.controlplaneConnID = connID
	s.mu.Unlock()
	go s.readLoop(connID, conn, wire.SourceControlplane)
	return nil
}

// ConnectPeer dials a peer process directly (spec.md §4.8 "cross-process
// PUT_MESSAGE forwarding"): used lazily the first time this process needs
// to reach a peer by name and has only its ip:port from an
// APPLICATION_UPDATE.
func (s *TCPServer) ConnectPeer(procID, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	f, err := wire.NewConn(s.procID)
	if err != nil {
		conn.Close()
		return err
	}
	ch := ipc.NewChannel(conn, s.bufs)
	if err := ch.Send(f, nil); err != nil {
		conn.Close()
		return err
	}
	s.mu.Lock()
	s.conns[procID] = conn
	s.mu.Unlock()
	go s.readLoop(procID, conn, wire.SourcePeerProcess)
	return nil
}

func (s *TCPServer) serve(conn net.Conn, kind wire.SourceKind) {
	connID := cos.GenUUID()
	s.mu.Lock()
	s.conns[connID] = conn
	s.mu.Unlock()
	s.readLoop(connID, conn, kind)
}

func (s *TCPServer) readLoop(connID string, conn net.Conn, kind wire.SourceKind) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		conn.Close()
	}()
	ch := ipc.NewChannel(conn, s.bufs)
	for {
		tag, payload, err := ch.BlockingReceive()
		if err != nil {
			return
		}
		if !tag.Valid() {
			nlog.Warningf("process %s: invalid tag %d on %q, closing connection", s.procID, tag, connID)
			return
		}
		frame := ch.LastFrame()
		if tag == wire.TagProcessConnection {
			// inbound handshake: re-key the connection under the announced
			// peer name so later sends can address it, then confirm.
			name := wire.AsConn(&frame).Name()
			switch name {
			case wire.ConnAck:
				// the far side confirming our own outbound handshake
				continue
			case wire.PeerDataplane:
				kind = wire.SourceDataplane
			case wire.PeerControlplane:
				kind = wire.SourceControlplane
			default:
				kind = wire.SourcePeerProcess
				s.mu.Lock()
				delete(s.conns, connID)
				s.conns[name] = conn
				s.mu.Unlock()
				connID = name
			}
			ack, err := wire.NewConn(wire.ConnAck)
			if err == nil {
				err = ch.Send(ack, nil)
			}
			if err != nil {
				nlog.Warningf("process %s: handshake ack to %q failed: %v", s.procID, name, err)
				return
			}
			continue
		}
		s.out <- ExternalMsg{Tag: tag, Frame: frame, Payload: payload, Kind: kind, ConnID: connID}
	}
}

var _ Link = (*TCPServer)(nil)

func (s *TCPServer) Send(connID string, f *wire.Frame, payload []byte) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return cos.NewErrNotFound("connection %s", connID)
	}
	ch := ipc.NewChannel(conn, s.bufs)
	return ch.Send(f, payload)
}

func (s *TCPServer) SendControlplane(f *wire.Frame, payload []byte) error {
	s.mu.Lock()
	id := s.controlplaneConnID
	s.mu.Unlock()
	if id == "" {
		return cos.NewErrNotFound("control plane connection")
	}
	return s.Send(id, f, payload)
}

// SendPeer routes f to the named peer, dialing on demand from the address
// learned via a prior APPLICATION_UPDATE (spec.md §4.10 "the server also
// initiates outbound connections on demand").
func (s *TCPServer) SendPeer(procID string, f *wire.Frame, payload []byte) error {
	s.mu.Lock()
	_, connected := s.conns[procID]
	addr, known := s.peers[procID]
	s.mu.Unlock()
	if !connected {
		if !known {
			return cos.NewErrNotFound("peer process %q", procID)
		}
		if err := s.ConnectPeer(procID, addr); err != nil {
			return err
		}
	}
	return s.Send(procID, f, payload)
}

func (s *TCPServer) UpdatePeer(procID, ip string, port uint16, status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == wire.ProcessRemoved {
		delete(s.peers, procID)
		return
	}
	s.peers[procID] = net.JoinHostPort(ip, strconv.Itoa(int(port)))
}

func (s *TCPServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range s.conns {
		c.Close()
	}
	nlog.Infof("process %s: tcp server shut down", s.procID)
}
