// Control-plane daemon: resource/lifecycle engine, TCP registration server,
// worker pool, downscaler and HTTP API (spec.md §2, §4.11-§4.15).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/aislambda/cmn"
	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/nlog"
	"github.com/NVIDIA/aislambda/controlplane/backend"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/controlplane/cptcp"
	"github.com/NVIDIA/aislambda/controlplane/deployment"
	"github.com/NVIDIA/aislambda/controlplane/downscaler"
	"github.com/NVIDIA/aislambda/controlplane/httpapi"
	"github.com/NVIDIA/aislambda/controlplane/workers"
	"github.com/NVIDIA/aislambda/hk"
	"github.com/NVIDIA/aislambda/process/controller"
	"github.com/NVIDIA/aislambda/process/swap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_LOCATION"), "path to the control-plane JSON config")
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()

	if err := run(*configPath); err != nil {
		cos.ExitLog(err)
	}
}

func run(configPath string) error {
	cfg, err := cmn.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	cmn.GCO.Put(cfg)
	cmn.Rom.Set(cfg)
	cos.InitShortID(uint64(os.Getpid()))
	nlog.SetTitle("controlplane")

	if err := initSwapBackend(cfg); err != nil {
		return errors.Wrap(err, "initializing swap backend")
	}

	reg, err := cluster.NewRegistry()
	if err != nil {
		return err
	}
	be, err := backend.New(cfg.BackendType, backend.Config{
		MinVCPUs:      cfg.Backend.MinVCPUs,
		MaxVCPUs:      cfg.Backend.MaxVCPUs,
		MinMemMB:      cfg.Backend.MinMemMB,
		MaxMemMB:      cfg.Backend.MaxMemMB,
		ProcessBinary: cfg.Backend.ProcessBinary,
		BaseDir:       cfg.Backend.BaseDir,
		Namespace:     cfg.Backend.Namespace,
		Image:         cfg.Backend.Image,
		Kubeconfig:    cfg.Backend.Kubeconfig,
	})
	if err != nil {
		return err
	}
	swapRoot := cfg.Deployment.Root
	if swapRoot == "" {
		swapRoot = os.Getenv("SWAPS_LOCATION")
	}
	dep := deployment.New(cfg.Deployment.Scheme, swapRoot)

	tcpSrv := cptcp.New(reg, nil)
	cpRes := cluster.Resources{VCPUs: 1, MemoryMB: 512, BackendKind: cfg.BackendType}
	pool := workers.New(cfg.Workers.Threads, reg, be, tcpSrv, dep, cpRes)
	tcpSrv.SetDispatcher(pool)

	ds := downscaler.New(dep, pool, cfg.Downscaler.PollingInterval(), cfg.Downscaler.SwappingThreshold())
	pool.OnProcessReady = ds.Track
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	ds.Start()

	if err := tcpSrv.Listen(":" + strconv.Itoa(cfg.TCPServer.Port)); err != nil {
		return errors.Wrap(err, "starting tcp server")
	}

	api := httpapi.New(cfg, pool, tcpSrv)
	errCh := make(chan error, 1)
	go func() { errCh <- api.ListenAndServe() }()

	ctx, cancel := context.WithCancel(context.Background())
	controller.WatchSignals(cancel)
	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
	}

	nlog.Infoln("shutting down")
	if err := api.Shutdown(); err != nil {
		nlog.Warningf("http shutdown: %v", err)
	}
	ds.Stop()
	hk.DefaultHK.Stop()
	tcpSrv.Shutdown()
	pool.Stop()
	nlog.Flush(true)
	return nil
}

// initSwapBackend instantiates (and thereby registers) the configured
// non-local swap backend; the local one registers itself at link time.
func initSwapBackend(cfg *cmn.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch cfg.Deployment.Scheme {
	case "local":
		return nil
	case "s3":
		_, err := swap.NewS3(ctx, cfg.Deployment.Bucket)
		return err
	case "gs":
		_, err := swap.NewGCS(ctx, cfg.Deployment.Bucket)
		return err
	case "az":
		_, err := swap.NewAzure(cfg.Deployment.Container)
		return err
	case "hdfs":
		_, err := swap.NewHDFS(cfg.Deployment.Namenode)
		return err
	default:
		return cos.NewErrInvalidArgument("deployment-type scheme", cfg.Deployment.Scheme)
	}
}
