// Package swap — local-disk backend (spec.md §6 "Swap layout (local)"):
// `<root>/<process_id>/{state,messages}/<key>` plus a recursive copy of the
// worker's state directory into `<root>/<process_id>/files/`.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package swap

import (
	"io"
	"os"
	"path/filepath"

	"github.com/NVIDIA/aislambda/process/mailbox"
)

func init() { Register("local", localSwapper{}) }

type localSwapper struct{}

func (localSwapper) Save(loc Loc, procID string, entries []mailbox.Entry, filesDir string) (int64, error) {
	root := filepath.Join(loc.Path, procID)
	var total int64
	for _, e := range entries {
		sub := "messages"
		if e.IsState {
			sub = "state"
		}
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return total, err
		}
		p := filepath.Join(dir, e.Name)
		if err := os.WriteFile(p, e.Payload, 0o644); err != nil {
			return total, err
		}
		total += int64(len(e.Payload))
	}
	if filesDir != "" {
		n, err := copyTree(filesDir, filepath.Join(root, "files"))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (localSwapper) Load(loc Loc, procID string) ([]mailbox.Entry, error) {
	root := filepath.Join(loc.Path, procID)
	var out []mailbox.Entry
	for _, sub := range []string{"messages", "state"} {
		dir := filepath.Join(root, sub)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			b, err := os.ReadFile(filepath.Join(dir, de.Name()))
			if err != nil {
				return nil, err
			}
			out = append(out, mailbox.Entry{
				Name:    de.Name(),
				Payload: b,
				IsState: sub == "state",
			})
		}
	}
	return out, nil
}

func (localSwapper) Delete(loc Loc, procID string) error {
	return os.RemoveAll(filepath.Join(loc.Path, procID))
}

// copyTree recursively copies src into dst, returning total bytes copied.
func copyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		n, err := copyFile(p, target)
		total += n
		return err
	})
	return total, err
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}
