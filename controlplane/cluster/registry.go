// Package cluster — the top-level Application registry plus the
// process-id -> application-name reverse index the TCP server uses to
// demultiplex peer connections without locking every Application
// (spec.md §4.10 "weak references into the process table", §5 "resource
// table... concurrent hash map with per-entry read or write accessors").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sync"

	"github.com/NVIDIA/aislambda/cmn/cos"
	"github.com/NVIDIA/aislambda/cmn/rtbl"
)

const ixByApp = "by_app"

// Registry owns every Application plus the cross-application process-id
// index. The index is an rtbl.Table rather than a plain map so it can be
// range-scanned by application-name prefix cheaply (spec.md §3 "[FULL]"
// clarification on the resource table).
type Registry struct {
	mu   sync.RWMutex
	apps map[string]*Application

	procIndex *rtbl.Table // process_id -> app_name
}

func NewRegistry() (*Registry, error) {
	t, err := rtbl.New(rtbl.Index{Name: ixByApp, Pattern: "*"})
	if err != nil {
		return nil, err
	}
	return &Registry{apps: make(map[string]*Application), procIndex: t}, nil
}

func (r *Registry) Create(name, codeResource string, maxFnPerProcess int) (*Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apps[name]; exists {
		return nil, cos.NewErrObjectExists("application %q", name)
	}
	app := NewApplication(name, codeResource, maxFnPerProcess)
	r.apps[name] = app
	return app, nil
}

func (r *Registry) Get(name string) (*Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, cos.NewErrObjectDoesNotExist("application %q", name)
	}
	return app, nil
}

func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[name]; !ok {
		return cos.NewErrObjectDoesNotExist("application %q", name)
	}
	delete(r.apps, name)
	return nil
}

// Range calls fn for every registered application (used by the
// downscaler's poll, spec.md §4.14).
func (r *Registry) Range(fn func(*Application)) {
	r.mu.RLock()
	apps := make([]*Application, 0, len(r.apps))
	for _, a := range r.apps {
		apps = append(apps, a)
	}
	r.mu.RUnlock()
	for _, a := range apps {
		fn(a)
	}
}

// IndexProcess records that procID belongs to appName, so a later
// IP:port-less peer frame naming only a process id can be routed to the
// right Application (spec.md §4.10).
func (r *Registry) IndexProcess(procID, appName string) error {
	return r.procIndex.Set(procID, appName)
}

func (r *Registry) UnindexProcess(procID string) {
	_, _ = r.procIndex.Delete(procID)
}

// ResolveProcess finds the Application and Process for a process id,
// regardless of which application owns it.
func (r *Registry) ResolveProcess(procID string) (*Application, *Process, bool) {
	appName, ok, err := r.procIndex.Get(procID)
	if err != nil || !ok {
		return nil, nil, false
	}
	app, err := r.Get(appName)
	if err != nil {
		return nil, nil, false
	}
	p, ok := app.Lookup(procID)
	if !ok {
		return nil, nil, false
	}
	return app, p, true
}
