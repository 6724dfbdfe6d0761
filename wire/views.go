// Package wire — typed, tag-specific views over a Frame's 122-byte body.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import "encoding/binary"

// layout offsets within body(), per tag — kept local to each view's
// constructor/accessors so the 122-byte budget is easy to audit per type.

//
// PROCESS_CONNECTION: name[32]
//

type ConnView struct{ f *Frame }

func NewConn(name string) (*Frame, error) {
	f := NewFrame(TagProcessConnection)
	v := ConnView{f}
	if err := v.SetName(name); err != nil {
		return nil, err
	}
	return f, nil
}

func AsConn(f *Frame) ConnView { return ConnView{f} }

func (v ConnView) SetName(name string) error { return putFixedString(v.f.body()[:NameSize], name) }
func (v ConnView) Name() string              { return getFixedString(v.f.body()[:NameSize]) }

//
// SWAP_REQUEST: scheme[8], path[114]
//

type SwapRequestView struct{ f *Frame }

const (
	swSchemeSize = 8
	swPathSize   = bodySize - swSchemeSize
)

func NewSwapRequest(scheme, path string) (*Frame, error) {
	f := NewFrame(TagSwapRequest)
	v := SwapRequestView{f}
	if err := putFixedString(v.f.body()[:swSchemeSize], scheme); err != nil {
		return nil, err
	}
	if err := putFixedString(v.f.body()[swSchemeSize:swSchemeSize+swPathSize], path); err != nil {
		return nil, err
	}
	return f, nil
}

func AsSwapRequest(f *Frame) SwapRequestView { return SwapRequestView{f} }

func (v SwapRequestView) Scheme() string {
	return getFixedString(v.f.body()[:swSchemeSize])
}
func (v SwapRequestView) Path() string {
	return getFixedString(v.f.body()[swSchemeSize : swSchemeSize+swPathSize])
}

//
// SWAP_CONFIRMATION: bytes_written uint64, elapsed_ms uint64
//

type SwapConfirmationView struct{ f *Frame }

func NewSwapConfirmation(bytesWritten, elapsedMS uint64) *Frame {
	f := NewFrame(TagSwapConfirmation)
	b := f.body()
	binary.LittleEndian.PutUint64(b[0:8], bytesWritten)
	binary.LittleEndian.PutUint64(b[8:16], elapsedMS)
	return f
}

func AsSwapConfirmation(f *Frame) SwapConfirmationView { return SwapConfirmationView{f} }

func (v SwapConfirmationView) BytesWritten() uint64 {
	return binary.LittleEndian.Uint64(v.f.body()[0:8])
}
func (v SwapConfirmationView) ElapsedMS() uint64 {
	return binary.LittleEndian.Uint64(v.f.body()[8:16])
}

//
// INVOCATION_REQUEST: invocation_id[16], function_name[32], source_kind byte, source_id[16]
//

type SourceKind byte

const (
	SourceLocal SourceKind = iota
	SourceDataplane
	SourceControlplane
	SourcePeerProcess
)

type InvocationRequestView struct{ f *Frame }

const (
	irIDOff       = 0
	irFnOff       = irIDOff + IDSize
	irKindOff     = irFnOff + NameSize
	irSrcIDOff    = irKindOff + 1
)

func NewInvocationRequest(invID, fname string, kind SourceKind, sourceID string) (*Frame, error) {
	f := NewFrame(TagInvocationRequest)
	v := InvocationRequestView{f}
	if err := putFixedString(v.f.body()[irIDOff:irIDOff+IDSize], invID); err != nil {
		return nil, err
	}
	if err := putFixedString(v.f.body()[irFnOff:irFnOff+NameSize], fname); err != nil {
		return nil, err
	}
	v.f.body()[irKindOff] = byte(kind)
	if err := putFixedString(v.f.body()[irSrcIDOff:irSrcIDOff+IDSize], sourceID); err != nil {
		return nil, err
	}
	return f, nil
}

func AsInvocationRequest(f *Frame) InvocationRequestView { return InvocationRequestView{f} }

func (v InvocationRequestView) InvocationID() string {
	return getFixedString(v.f.body()[irIDOff : irIDOff+IDSize])
}
func (v InvocationRequestView) FunctionName() string {
	return getFixedString(v.f.body()[irFnOff : irFnOff+NameSize])
}
func (v InvocationRequestView) SourceKind() SourceKind {
	return SourceKind(v.f.body()[irKindOff])
}
func (v InvocationRequestView) SourceID() string {
	return getFixedString(v.f.body()[irSrcIDOff : irSrcIDOff+IDSize])
}

//
// INVOCATION_RESULT: invocation_id[16], return_code int32
//

type InvocationResultView struct{ f *Frame }

func NewInvocationResult(invID string, rc int32) (*Frame, error) {
	f := NewFrame(TagInvocationResult)
	v := InvocationResultView{f}
	if err := putFixedString(v.f.body()[0:IDSize], invID); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(v.f.body()[IDSize:IDSize+4], uint32(rc))
	return f, nil
}

func AsInvocationResult(f *Frame) InvocationResultView { return InvocationResultView{f} }

func (v InvocationResultView) InvocationID() string {
	return getFixedString(v.f.body()[0:IDSize])
}
func (v InvocationResultView) ReturnCode() int32 {
	return int32(binary.LittleEndian.Uint32(v.f.body()[IDSize : IDSize+4]))
}

//
// DATAPLANE_METRICS: process_id[16], invocations uint64, computation_time_ms uint64, last_invocation_unixnano int64
//

type MetricsView struct{ f *Frame }

const (
	mtProcOff  = 0
	mtInvOff   = mtProcOff + IDSize
	mtCompOff  = mtInvOff + 8
	mtLastOff  = mtCompOff + 8
)

func NewMetrics(procID string, invocations, computationMS uint64, lastInvocation int64) (*Frame, error) {
	f := NewFrame(TagDataplaneMetrics)
	v := MetricsView{f}
	if err := putFixedString(v.f.body()[mtProcOff:mtProcOff+IDSize], procID); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(v.f.body()[mtInvOff:mtInvOff+8], invocations)
	binary.LittleEndian.PutUint64(v.f.body()[mtCompOff:mtCompOff+8], computationMS)
	binary.LittleEndian.PutUint64(v.f.body()[mtLastOff:mtLastOff+8], uint64(lastInvocation))
	return f, nil
}

func AsMetrics(f *Frame) MetricsView { return MetricsView{f} }

func (v MetricsView) ProcessID() string { return getFixedString(v.f.body()[mtProcOff : mtProcOff+IDSize]) }
func (v MetricsView) Invocations() uint64 {
	return binary.LittleEndian.Uint64(v.f.body()[mtInvOff : mtInvOff+8])
}
func (v MetricsView) ComputationMS() uint64 {
	return binary.LittleEndian.Uint64(v.f.body()[mtCompOff : mtCompOff+8])
}
func (v MetricsView) LastInvocation() int64 {
	return int64(binary.LittleEndian.Uint64(v.f.body()[mtLastOff : mtLastOff+8]))
}

//
// PROCESS_CLOSURE: process_id[16]
//

type ClosureView struct{ f *Frame }

func NewClosure(procID string) (*Frame, error) {
	f := NewFrame(TagProcessClosure)
	if err := putFixedString(f.body()[0:IDSize], procID); err != nil {
		return nil, err
	}
	return f, nil
}

func AsClosure(f *Frame) ClosureView { return ClosureView{f} }
func (v ClosureView) ProcessID() string { return getFixedString(v.f.body()[0:IDSize]) }

//
// APPLICATION_UPDATE: process_id[16], status byte, ip[16], port uint16
//

type AppUpdateView struct{ f *Frame }

const (
	auProcOff = 0
	auStOff   = auProcOff + IDSize
	auIPOff   = auStOff + 1
	auIPSize  = 16
	auPortOff = auIPOff + auIPSize
)

func NewAppUpdate(procID string, status byte, ip string, port uint16) (*Frame, error) {
	f := NewFrame(TagApplicationUpdate)
	v := AppUpdateView{f}
	if err := putFixedString(v.f.body()[auProcOff:auProcOff+IDSize], procID); err != nil {
		return nil, err
	}
	v.f.body()[auStOff] = status
	if err := putFixedString(v.f.body()[auIPOff:auIPOff+auIPSize], ip); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(v.f.body()[auPortOff:auPortOff+2], port)
	return f, nil
}

func AsAppUpdate(f *Frame) AppUpdateView { return AppUpdateView{f} }

func (v AppUpdateView) ProcessID() string {
	return getFixedString(v.f.body()[auProcOff : auProcOff+IDSize])
}
func (v AppUpdateView) Status() byte { return v.f.body()[auStOff] }
func (v AppUpdateView) IP() string   { return getFixedString(v.f.body()[auIPOff : auIPOff+auIPSize]) }
func (v AppUpdateView) Port() uint16 {
	return binary.LittleEndian.Uint16(v.f.body()[auPortOff : auPortOff+2])
}

//
// PUT_MESSAGE: key[32], source_id[16], is_state byte
//

type PutMessageView struct{ f *Frame }

const (
	pmKeyOff   = 0
	pmSrcOff   = pmKeyOff + NameSize
	pmStateOff = pmSrcOff + IDSize
)

func NewPutMessage(key, sourceID string, isState bool) (*Frame, error) {
	f := NewFrame(TagPutMessage)
	v := PutMessageView{f}
	if err := putFixedString(v.f.body()[pmKeyOff:pmKeyOff+NameSize], key); err != nil {
		return nil, err
	}
	if err := putFixedString(v.f.body()[pmSrcOff:pmSrcOff+IDSize], sourceID); err != nil {
		return nil, err
	}
	if isState {
		v.f.body()[pmStateOff] = 1
	}
	return f, nil
}

func AsPutMessage(f *Frame) PutMessageView { return PutMessageView{f} }

func (v PutMessageView) Key() string      { return getFixedString(v.f.body()[pmKeyOff : pmKeyOff+NameSize]) }
func (v PutMessageView) SourceID() string { return getFixedString(v.f.body()[pmSrcOff : pmSrcOff+IDSize]) }
func (v PutMessageView) IsState() bool    { return v.f.body()[pmStateOff] != 0 }
