// Package function — trigger kinds (spec.md §3, §4.4, §9 "dynamic dispatch
// over triggers": modelled as an interface + small string-keyed registry
// rather than a reflection-based visitor).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package function

import "github.com/NVIDIA/aislambda/cmn/cos"

// InvocationView is the minimal surface a Trigger needs to judge readiness,
// satisfied by process/queue.Invocation without an import cycle.
type InvocationView interface {
	PayloadCount() int
}

// QueueView lets a multi-source/dependency trigger consult sibling
// invocations; unused by `direct` but part of the interface every trigger
// kind must accept (spec.md §4.5 "ready(invocation, queue)").
type QueueView interface {
	Lookup(key string) (InvocationView, bool)
}

type Trigger interface {
	Kind() string
	// Ready reports whether inv may be dispatched to a worker now.
	Ready(inv InvocationView, q QueueView) bool
}

// direct: one argument, always ready once it exists (spec.md §3, §4.5).
type directTrigger struct{}

func (directTrigger) Kind() string { return "direct" }
func (directTrigger) Ready(InvocationView, QueueView) bool { return true }

// unimplementedTrigger covers multi-source/batch/pipeline/dependency: the
// spec's open question leaves their readiness predicates unspecified, so
// invocations referencing them are refused at submission time rather than
// silently blocking the queue (spec.md §4.5, §7, §9 Open Questions).
type unimplementedTrigger struct{ kind string }

func (t unimplementedTrigger) Kind() string { return t.kind }
func (unimplementedTrigger) Ready(InvocationView, QueueView) bool { return false }

var placeholderKinds = map[string]bool{
	"multi-source": true,
	"batch":        true,
	"pipeline":     true,
	"dependency":   true,
}

// NewTrigger builds the Trigger named by kind, or ErrInvalidJSON-equivalent
// (ErrInvalidArgument) for an unknown kind (spec.md §4.4).
func NewTrigger(kind string) (Trigger, error) {
	switch {
	case kind == "direct":
		return directTrigger{}, nil
	case placeholderKinds[kind]:
		return unimplementedTrigger{kind: kind}, nil
	default:
		return nil, cos.NewErrInvalidArgument("trigger.type", "unknown trigger kind "+kind)
	}
}

// IsImplemented reports whether a Trigger may actually be dispatched; the
// placeholder kinds are loaded (so the manifest parses) but any invocation
// referencing one must be refused (spec.md §4.5, §7 NotImplementedError).
func IsImplemented(t Trigger) bool {
	_, placeholder := t.(unimplementedTrigger)
	return !placeholder
}
