// Package swap persists a process's mailbox and state (and, in the local
// backend, its worker-state directory) to a swap location, and restores the
// mailbox and state on swap-in (spec.md §3
// "Swap location", §4.7 Swapper, §6 "Swap layout (local)").
//
// Grounded on the teacher's backend provider registry (ais/backend: one
// implementation per cloud, selected by a scheme/provider string) adapted
// from object-storage backends to swap-location backends.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"fmt"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

// Loc is the opaque swap destination (spec.md §3): scheme selects the
// backend, path is backend-specific (a local directory, an S3/GCS/Azure
// prefix, or an HDFS path).
type Loc struct {
	Scheme string
	Path   string
}

func (l Loc) String() string { return l.Scheme + "://" + l.Path }

// Swapper is implemented once per scheme (spec.md §4.7).
type Swapper interface {
	// Save persists entries (mailbox+state), returning total bytes written.
	// The local backend also copies the worker state directory rooted at
	// filesDir (skipped when empty) into files/; the s3, az, gs and hdfs
	// backends ignore filesDir.
	Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (bytesWritten int64, err error)
	// Load is the symmetric read, invoked at process start when
	// $SWAPIN_LOCATION names a prior swap (spec.md §4.18).
	Load(loc Loc, procID string) ([]mailbox.Entry, error)
	// Delete removes everything persisted under loc (spec.md §4.12
	// delete_process -> deployment.delete_swap).
	Delete(loc Loc, procID string) error
}

var registry = map[string]Swapper{}

// Register installs the Swapper for scheme; called from each backend's
// init() so the set of linked-in schemes matches the set of imported
// backend packages.
func Register(scheme string, s Swapper) { registry[scheme] = s }

// For resolves the Swapper for loc.Scheme.
func For(scheme string) (Swapper, error) {
	s, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("swap: no backend registered for scheme %q", scheme)
	}
	return s, nil
}
