// Package wire — stream (de)framing shared by the control-plane TCP server,
// the control plane's per-process send path (controlplane/cluster), and
// tests.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import "io"

// WriteFrame writes the 128-byte header followed by payload (if any) — the
// receiver is required to read exactly BufSize+len(payload) bytes before
// moving on to the next frame (spec.md §4.1, §8).
func WriteFrame(w io.Writer, f *Frame, payload []byte) error {
	f.SetTotalLength(uint32(len(payload)))
	if _, err := w.Write(f[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame blocks for a full header then its declared payload. Partial
// header reads are not supported (spec.md §4.1): io.ReadFull enforces that.
func ReadFrame(r io.Reader) (*Frame, []byte, error) {
	f := &Frame{}
	if _, err := io.ReadFull(r, f[:]); err != nil {
		return nil, nil, err
	}
	if _, err := Parse(f); err != nil {
		return f, nil, err
	}
	n := f.TotalLength()
	if n == 0 {
		return f, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return f, nil, err
	}
	return f, payload, nil
}
