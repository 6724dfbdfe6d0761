//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns monotonic nanoseconds since process start. The `mono`
// build tag swaps this for a `go:linkname` into the runtime's internal
// clock; this is the portable fallback used by default builds.
func NanoTime() int64 { return int64(time.Since(start)) }
