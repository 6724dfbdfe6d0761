// Package backend implements cluster.Backend: the pluggable allocator that
// actually starts a sandbox for a Process (spec.md §4.12, §9 "process
// backend" — out of scope per spec.md §1 is only the Docker-serving shim;
// the allocator interface itself is in scope).
//
// Grounded on the teacher's mirror/copy-runner pattern for the subprocess
// case (os/exec-spawned local worker) and on ais/backend's provider
// registry pattern (one struct per backend kind, selected by a config
// string) for the k8s case.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"github.com/NVIDIA/aislambda/controlplane/cluster"
)

// New resolves the configured backend kind to a cluster.Backend.
func New(kind string, cfg Config) (cluster.Backend, error) {
	switch kind {
	case "", "subprocess":
		return NewSubprocess(cfg), nil
	case "k8s":
		return NewK8s(cfg)
	default:
		return nil, errUnknownBackend(kind)
	}
}

// Config carries the bits either backend needs; fields irrelevant to a
// given kind are left zero.
type Config struct {
	MinVCPUs, MaxVCPUs int
	MinMemMB, MaxMemMB int64

	// ControlplaneAddr is handed to every process as $CONTROLPLANE_ADDR so
	// it can dial back in; CodeLocation becomes its $CODE_LOCATION.
	ControlplaneAddr string
	CodeLocation     string

	ProcessBinary string // subprocess: path to the process-controller binary
	BaseDir       string // subprocess: working-dir root, one subdir per process

	Namespace string // k8s: namespace to create pods in
	Image     string // k8s: container image running the process controller
	Kubeconfig string // k8s: empty means in-cluster config
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "unknown backend kind: " + string(e) }
