// Package rtbl is the control-plane "resource table" (spec.md §5): a
// concurrent store of small JSON-able records (applications, processes)
// addressed by key, with per-entry read/write accessors so callers never
// hold a table-wide lock across an allocator or TCP round trip.
//
// Grounded on the teacher's res/ package (an in-memory resource registry
// fronting a set of named entries); here backed by an in-memory buntdb
// database instead of a bare map, which gives us secondary indexing (e.g.
// processes by application name) for free.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rtbl

import (
	"github.com/tidwall/buntdb"
)

// Table wraps an in-memory buntdb database. Every exported method takes its
// own transaction; callers must never call back into Table from inside a
// View/Update callback passed to it (that would deadlock on buntdb's
// internal lock) — see spec.md §5 "release accessors before acquiring
// another."
type Table struct {
	db *buntdb.DB
}

// Index names an ordinary string-sorted secondary index on a key prefix.
type Index struct {
	Name    string
	Pattern string
}

func New(indexes ...Index) (*Table, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	for _, ix := range indexes {
		if err := db.CreateIndex(ix.Name, ix.Pattern, buntdb.IndexString); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Table{db: db}, nil
}

func (t *Table) Close() error { return t.db.Close() }

// Get reads one value by key (a "read accessor" in spec.md §5 terms).
func (t *Table) Get(key string) (val string, ok bool, err error) {
	err = t.db.View(func(tx *buntdb.Tx) error {
		v, gerr := tx.Get(key)
		if gerr == buntdb.ErrNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		val, ok = v, true
		return nil
	})
	return
}

// Set writes one value by key (a "write accessor").
func (t *Table) Set(key, val string) error {
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, val, nil)
		return err
	})
}

// Delete removes key, reporting ok=false if it was already absent.
func (t *Table) Delete(key string) (ok bool, err error) {
	err = t.db.Update(func(tx *buntdb.Tx) error {
		_, derr := tx.Delete(key)
		if derr == buntdb.ErrNotFound {
			return nil
		}
		if derr != nil {
			return derr
		}
		ok = true
		return nil
	})
	return
}

// AscendIndex enumerates every (key, value) indexed by ix whose indexed
// value has the given prefix, in index order, stopping early if fn returns
// false. Over a by-application index this yields every process row of one
// application.
func (t *Table) AscendIndex(ix, prefix string, fn func(key, val string) bool) error {
	return t.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual(ix, prefix, func(key, val string) bool {
			if len(val) < len(prefix) || val[:len(prefix)] != prefix {
				return false
			}
			return fn(key, val)
		})
	})
}
