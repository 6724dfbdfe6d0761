// Package function parses the per-process function manifest and exposes
// each entry's trigger (spec.md §4.4).
//
// Grounded on the teacher's config-loading convention (jsoniter decode of a
// nested JSON tree into typed structs, one load at startup) adapted from
// cluster/bucket-prop JSON to the function manifest schema.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package function

import (
	"os"

	"github.com/NVIDIA/aislambda/cmn/cos"
	jsoniter "github.com/json-iterator/go"
)

type (
	manifest struct {
		Functions map[string]map[string]manifestEntry `json:"functions"`
	}
	manifestEntry struct {
		Code    codeRef        `json:"code"`
		Trigger triggerManifest `json:"trigger"`
	}
	codeRef struct {
		Module   string `json:"module"`
		Function string `json:"function"`
	}
	triggerManifest struct {
		Type string `json:"type"`
	}

	// Entry is one loaded function (spec.md §3 "Function entry").
	Entry struct {
		Name           string
		Language       string
		ModuleName     string
		FunctionSymbol string
		Trigger        Trigger
	}

	// Registry holds every function entry loaded from the manifest, keyed
	// by function name (names are unique across languages in this spec).
	Registry struct {
		entries map[string]*Entry
	}
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Load parses path (the manifest named by $CODE_LOCATION/function.json) and
// builds one Entry + Trigger per function.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := jsonAPI.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	reg := &Registry{entries: make(map[string]*Entry)}
	for lang, fns := range m.Functions {
		for name, me := range fns {
			trig, err := NewTrigger(me.Trigger.Type)
			if err != nil {
				return nil, err
			}
			reg.entries[name] = &Entry{
				Name:           name,
				Language:       lang,
				ModuleName:     me.Code.Module,
				FunctionSymbol: me.Code.Function,
				Trigger:        trig,
			}
		}
	}
	return reg, nil
}

// Get returns the entry for fname, or ErrObjectDoesNotExist — invocations
// for unknown functions must be rejected at submission time, not crash
// the controller (spec.md §4.4).
func (r *Registry) Get(fname string) (*Entry, error) {
	e, ok := r.entries[fname]
	if !ok {
		return nil, cos.NewErrObjectDoesNotExist("function %q", fname)
	}
	return e, nil
}

func (r *Registry) Len() int { return len(r.entries) }
