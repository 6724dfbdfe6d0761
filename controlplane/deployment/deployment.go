// Package deployment implements cluster.Deployment: the control-plane side
// of swap locations (spec.md §3 "Swap location", §4.12 swap_process /
// delete_process). It mints a fresh SwapLoc per swap-out and deletes the
// backing data on delete_process, delegating the actual bytes to the
// matching process/swap.Swapper.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package deployment

import (
	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/controlplane/cluster"
	"github.com/NVIDIA/aislambda/process/swap"
)

// Deployment mints swap locations under a single configured scheme/root
// (spec.md §6 Config "deployment-type"); every app/process pair gets its
// own sub-path, keyed by a fresh session id so re-swapping the same
// process name never collides with a not-yet-deleted prior swap.
type Deployment struct {
	scheme string
	root   string
}

func New(scheme, root string) *Deployment {
	return &Deployment{scheme: scheme, root: root}
}

var _ cluster.Deployment = (*Deployment)(nil)

func (d *Deployment) NewSwapLocation(appName, procName string) (cluster.SwapLoc, error) {
	session := cos.GenUUID()
	return cluster.SwapLoc{Scheme: d.scheme, Path: d.root + "/" + appName + "/" + session}, nil
}

func (d *Deployment) DeleteSwap(procName string, loc cluster.SwapLoc) error {
	s, err := swap.For(loc.Scheme)
	if err != nil {
		return err
	}
	return s.Delete(swap.Loc{Scheme: loc.Scheme, Path: loc.Path}, procName)
}
