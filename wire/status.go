// Package wire — the coarse peer-liveness status carried in an
// APPLICATION_UPDATE frame (spec.md §4.8, §4.13): distinct from
// controlplane/cluster.Status, which tracks a process's full allocation
// lifecycle. Peers outside the control plane only ever need to know
// "reachable at ip:port" or "gone".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

const (
	ProcessActive byte = iota
	ProcessRemoved
)

// Well-known PROCESS_CONNECTION names (spec.md §6 "Process TCP surface"):
// a handshake frame names the caller as the data plane, the control plane,
// or a concrete peer process id; the accepting side confirms with ConnAck.
const (
	PeerDataplane    = "DATAPLANE"
	PeerControlplane = "CONTROLPLANE"
	ConnAck          = "CORRECT"
)
