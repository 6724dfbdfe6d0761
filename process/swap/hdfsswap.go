// Package swap — HDFS backend: same per-entry layout, written through
// colinmarc/hdfs (spec.md §4.17 domain stack).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"io"
	"os"
	"path"

	"github.com/colinmarc/hdfs/v2"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

type hdfsSwapper struct {
	client *hdfs.Client
}

// NewHDFS dials namenode and registers the swapper under the "hdfs" scheme
// (spec.md §6 Config deployment-type).
func NewHDFS(namenode string) (Swapper, error) {
	cl, err := hdfs.New(namenode)
	if err != nil {
		return nil, err
	}
	s := &hdfsSwapper{client: cl}
	Register("hdfs", s)
	return s, nil
}

func (h *hdfsSwapper) objPath(loc Loc, procID, sub, name string) string {
	return path.Join(loc.Path, procID, sub, name)
}

func (h *hdfsSwapper) Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (int64, error) {
	var total int64
	for _, e := range entries {
		sub := "messages"
		if e.IsState {
			sub = "state"
		}
		p := h.objPath(loc, procID, sub, e.Name)
		if err := h.client.MkdirAll(path.Dir(p), 0o755); err != nil {
			return total, err
		}
		w, err := h.client.Create(p)
		if err != nil {
			return total, err
		}
		if _, err := w.Write(e.Payload); err != nil {
			w.Close()
			return total, err
		}
		if err := w.Close(); err != nil {
			return total, err
		}
		total += int64(len(e.Payload))
	}
	return total, nil
}

func (h *hdfsSwapper) Load(loc Loc, procID string) ([]mailbox.Entry, error) {
	var out []mailbox.Entry
	for _, sub := range []string{"messages", "state"} {
		dir := path.Join(loc.Path, procID, sub)
		infos, err := h.client.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, fi := range infos {
			if fi.IsDir() {
				continue
			}
			r, err := h.client.Open(path.Join(dir, fi.Name()))
			if err != nil {
				return nil, err
			}
			b, err := io.ReadAll(r)
			r.Close()
			if err != nil {
				return nil, err
			}
			out = append(out, mailbox.Entry{Name: fi.Name(), Payload: b, IsState: sub == "state"})
		}
	}
	return out, nil
}

func (h *hdfsSwapper) Delete(loc Loc, procID string) error {
	err := h.client.RemoveAll(path.Join(loc.Path, procID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
