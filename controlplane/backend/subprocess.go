// Package backend — subprocess backend: spawns a local OS process running
// the process-controller binary (spec.md §9 dev/test backend, out-of-scope
// Docker shim's in-process analogue).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
)

type subprocHandle struct {
	cmd *exec.Cmd
}

func (h *subprocHandle) Stop() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Subprocess implements cluster.Backend by fork/exec-ing the process
// controller binary on localhost, picking a free TCP port for its TCP wire
// server and passing the process's identity via environment variables
// (spec.md §6 "Environment variables").
type Subprocess struct {
	cfg Config
}

func NewSubprocess(cfg Config) *Subprocess {
	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = 64
	}
	if cfg.MaxMemMB == 0 {
		cfg.MaxMemMB = 1 << 20 // 1 TiB ceiling, effectively "unbounded" for dev/test
	}
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) Bounds() (minV, maxV int, minM, maxM int64) {
	return s.cfg.MinVCPUs, s.cfg.MaxVCPUs, s.cfg.MinMemMB, s.cfg.MaxMemMB
}

func (s *Subprocess) AllocateProcess(p *cluster.Process, res cluster.Resources, cb func(ip string, port uint16, err error)) {
	port, err := freePort()
	if err != nil {
		cb("", 0, err)
		return
	}
	dir := filepath.Join(s.cfg.BaseDir, p.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cb("", 0, err)
		return
	}
	cmd := exec.Command(s.cfg.ProcessBinary)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"PROCESS_ID="+p.Name(),
		"TCPSERVER_PORT="+strconv.Itoa(port),
		"CONTROLPLANE_ADDR="+s.cfg.ControlplaneAddr,
		"CODE_LOCATION="+s.cfg.CodeLocation,
	)
	// a re-allocation of a swapped-out process restores its state before
	// the controller accepts work (spec.md §4.18)
	if loc := p.SwapLoc(); loc != nil && p.Status() == cluster.SwappingIn {
		cmd.Env = append(cmd.Env, "SWAPIN_LOCATION="+loc.Scheme+"://"+loc.Path)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		cb("", 0, err)
		return
	}
	p.SetHandle(&subprocHandle{cmd: cmd})
	nlog.Infof("subprocess backend: started process %q pid=%d port=%d", p.Name(), cmd.Process.Pid, port)
	cb("127.0.0.1", uint16(port), nil)
}

func (s *Subprocess) DeleteProcess(p *cluster.Process) error {
	h := p.Handle()
	if h == nil {
		return cos.NewErrNotFound("backend handle for process %q", p.Name())
	}
	return h.Stop()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
