// Package controller — process-wide shutdown handling (spec.md §4.8
// "graceful shutdown on SIGTERM"). Grounded on the teacher's daemon
// sigChan pattern (cmd/aisnode main.go): a single signal channel, a
// logged cause, context cancellation instead of os.Exit from a handler.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package controller

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/aislambda/cmn/nlog"
)

// WatchSignals cancels ctx's CancelFunc on SIGINT/SIGTERM, letting Run's
// loop notice at its next iteration and shut the worker pool down cleanly
// rather than leaving orphaned subprocesses.
func WatchSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		nlog.Infof("received signal %v, shutting down", sig)
		signal.Stop(ch)
		cancel()
	}()
}
