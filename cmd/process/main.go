// Process-controller daemon: runs inside a sandbox, spawns the function
// workers, and serves the process TCP surface (spec.md §2, §4.8, §6
// "Environment variables").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/NVIDIA/aislambda/cmn"
	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/ipc"
	"github.com/NVIDIA/aislambda/process/controller"
	"github.com/NVIDIA/aislambda/process/function"
	"github.com/NVIDIA/aislambda/process/swap"
	"github.com/NVIDIA/aislambda/process/workerpool"
	"github.com/NVIDIA/aislambda/wire"
)

const (
	envControlplaneAddr = "CONTROLPLANE_ADDR"
	envProcessID        = "PROCESS_ID"
	envCodeLocation     = "CODE_LOCATION"
	envConfigLocation   = "CONFIG_LOCATION"
	envSwapinLocation   = "SWAPIN_LOCATION"
	envTCPServerPort    = "TCPSERVER_PORT"
	envInvokerLocation  = "INVOKER_LOCATION"

	manifestName = "function.json"
)

func main() {
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()

	if err := run(); err != nil {
		cos.ExitLog(err)
	}
}

func run() error {
	procID := os.Getenv(envProcessID)
	if procID == "" {
		return cos.NewErrInvalidArgument(envProcessID, "must be set")
	}
	if !cos.IsAlphaNice(procID) {
		return cos.NewErrInvalidArgument(envProcessID, cos.OnlyNice)
	}
	cos.InitShortID(uint64(os.Getpid()))
	nlog.SetTitle("process-" + procID)

	cfg := &cmn.Config{}
	if path := os.Getenv(envConfigLocation); path != "" {
		var err error
		cfg, err = cmn.LoadConfig(path)
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
	}
	workerCount := cfg.Workers.Threads
	if workerCount <= 0 {
		workerCount = 4
	}
	cmn.GCO.Put(cfg)
	cmn.Rom.Set(cfg)

	reg, err := function.Load(manifestPath())
	if err != nil {
		return errors.Wrap(err, "loading function manifest")
	}
	nlog.Infof("process %s: %d function%s loaded", procID, reg.Len(), cos.Plural(reg.Len()))

	bufs := ipc.NewPool(4 * workerCount)
	fws, err := spawnWorkers(workerCount, bufs)
	if err != nil {
		return errors.Wrap(err, "spawning workers")
	}
	pool := workerpool.New(fws)

	tcpSrv := controller.NewTCPServer(procID, bufs)
	ctrl, err := controller.New(procID, reg, pool, bufs, tcpSrv, tcpSrv.External())
	if err != nil {
		return err
	}

	// restore BEFORE accepting connections, so a GET against restored
	// state can never race the swap-in (spec.md §4.18)
	if loc := os.Getenv(envSwapinLocation); loc != "" {
		swapLoc, err := parseSwapLoc(loc)
		if err != nil {
			return err
		}
		if err := ctrl.RestoreFrom(swapLoc); err != nil {
			return errors.Wrap(err, "swap-in")
		}
		nlog.Infof("process %s: restored state from %s", procID, loc)
	}

	port := os.Getenv(envTCPServerPort)
	if port == "" {
		port = strconv.Itoa(cfg.TCPServer.Port)
	}
	if err := tcpSrv.Listen(":" + port); err != nil {
		return errors.Wrap(err, "starting tcp wire server")
	}
	if addr := os.Getenv(envControlplaneAddr); addr != "" {
		if err := tcpSrv.ConnectControlplane(addr); err != nil {
			return errors.Wrap(err, "connecting to control plane")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	controller.WatchSignals(cancel)
	err = ctrl.Run(ctx)

	if f, cerr := wire.NewClosure(procID); cerr == nil {
		if serr := tcpSrv.SendControlplane(f, nil); serr != nil {
			nlog.Warningf("process %s: closure notification: %v", procID, serr)
		}
	}
	tcpSrv.Shutdown()
	nlog.Flush(true)
	if err == context.Canceled {
		return nil
	}
	return err
}

func manifestPath() string {
	loc := os.Getenv(envCodeLocation)
	if loc == "" {
		return manifestName
	}
	if strings.HasSuffix(loc, ".json") {
		return loc
	}
	return filepath.Join(loc, manifestName)
}

func parseSwapLoc(s string) (swap.Loc, error) {
	scheme, path, ok := strings.Cut(s, "://")
	if !ok {
		return swap.Loc{}, cos.NewErrInvalidArgument(envSwapinLocation, "expected <scheme>://<path>")
	}
	return swap.Loc{Scheme: scheme, Path: path}, nil
}

// spawnWorkers forks one invoker subprocess per worker slot; each child
// inherits its pipe ends as fds 3 (recv) and 4 (send). The invoker binary
// itself is per-language and out of scope here — it only has to speak the
// package ipc framing on those two fds.
func spawnWorkers(n int, bufs *ipc.Pool) ([]*workerpool.FunctionWorker, error) {
	invoker := os.Getenv(envInvokerLocation)
	if invoker == "" {
		invoker = "invoker"
	}
	fws := make([]*workerpool.FunctionWorker, 0, n)
	for i := range n {
		pipes, err := ipc.NewWorkerPipes()
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(invoker)
		cmd.ExtraFiles = []*os.File{pipes.ToWorkerR, pipes.FromWorkerW}
		cmd.Env = append(os.Environ(), "WORKER_INDEX="+strconv.Itoa(i))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		pipes.CloseChildEnds()
		send, recv := pipes.ControllerSide(bufs)
		fws = append(fws, &workerpool.FunctionWorker{
			Send:  send,
			Recv:  recv,
			Pipes: pipes,
			Cmd:   cmd,
			PID:   cmd.Process.Pid,
		})
	}
	return fws, nil
}
