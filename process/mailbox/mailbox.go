// Package mailbox implements the per-process key/value store for transient
// messages and persistent state (spec.md §3, §4.9). Only ever touched by
// the single process-controller loop thread — no locking (spec.md §5).
//
// Grounded on the teacher's map + side-index idiom (core/meta bucket
// metadata keeps a value plus a last-modified side table); adapted here to
// a two-table mailbox (messages vs state) plus the state side-index the
// spec calls for.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mailbox

import (
	"time"

	"github.com/OneOfOne/xxhash"
)

// ANY matches any source on a Get (spec.md §4.9).
const ANY = "ANY"

type msgKey struct {
	name, source string
}

// Mailbox is not safe for concurrent use: it is owned exclusively by the
// process controller's event-loop goroutine (spec.md §5).
type Mailbox struct {
	messages map[msgKey][]byte
	state    map[string][]byte
	modified map[string]time.Time
}

func New() *Mailbox {
	return &Mailbox{
		messages: make(map[msgKey][]byte),
		state:    make(map[string][]byte),
		modified: make(map[string]time.Time),
	}
}

// HashKey returns the 64-bit xxhash of name and source joined by a NUL
// byte. The mailbox's own tables are keyed by the plain (name, source)
// pair, not by this hash.
func HashKey(name, source string) uint64 {
	return xxhash.ChecksumString64(name + "\x00" + source)
}

// Put inserts (name, source) -> buf, or reports false if it already exists:
// a double-put with no intervening Get is an error (spec.md §4.9, §8).
func (mb *Mailbox) Put(name, source string, buf []byte) bool {
	k := msgKey{name, source}
	if _, exists := mb.messages[k]; exists {
		return false
	}
	mb.messages[k] = buf
	return true
}

// TryGet consumes (erases) the matching entry on a hit. source == ANY
// matches the first entry with that name regardless of source.
func (mb *Mailbox) TryGet(name, source string) ([]byte, bool) {
	if source == ANY {
		for k, v := range mb.messages {
			if k.name == name {
				delete(mb.messages, k)
				return v, true
			}
		}
		return nil, false
	}
	k := msgKey{name, source}
	v, ok := mb.messages[k]
	if ok {
		delete(mb.messages, k)
	}
	return v, ok
}

// State inserts or replaces a persistent state value and stamps its
// last-modified time.
func (mb *Mailbox) State(name string, buf []byte) {
	mb.state[name] = buf
	mb.modified[name] = time.Now()
}

// TryState reads a state value without consuming it.
func (mb *Mailbox) TryState(name string) ([]byte, bool) {
	v, ok := mb.state[name]
	return v, ok
}

// StateKey pairs a state entry's name with its last-modified timestamp
// (spec.md §4.9 state_keys()).
type StateKey struct {
	Name      string
	Timestamp time.Time
}

func (mb *Mailbox) StateKeys() []StateKey {
	out := make([]StateKey, 0, len(mb.state))
	for name := range mb.state {
		out = append(out, StateKey{Name: name, Timestamp: mb.modified[name]})
	}
	return out
}

// Entry is one row of either table, used by AllState for swap-out
// (spec.md §4.9 all_state(out), §4.7 Swapper).
type Entry struct {
	Name, Source string
	Payload      []byte
	IsState      bool
}

// AllState enumerates both tables for swap-out.
func (mb *Mailbox) AllState() []Entry {
	out := make([]Entry, 0, len(mb.messages)+len(mb.state))
	for k, v := range mb.messages {
		out = append(out, Entry{Name: k.name, Source: k.source, Payload: v})
	}
	for name, v := range mb.state {
		out = append(out, Entry{Name: name, Payload: v, IsState: true})
	}
	return out
}

// Restore repopulates the mailbox from a prior AllState dump, used on
// swap-in (spec.md §4.7, §8 "swap-out then swap-in restores state_keys()").
func (mb *Mailbox) Restore(entries []Entry) {
	for _, e := range entries {
		if e.IsState {
			mb.State(e.Name, e.Payload)
		} else {
			mb.messages[msgKey{e.Name, e.Source}] = e.Payload
		}
	}
}
