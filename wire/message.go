// Package wire implements the fixed-size framed protocol used on both the
// control-plane<->process TCP channel and (via package ipc) the
// process-controller<->worker local channel. Every frame is exactly
// BufSize bytes; numeric fields are little-endian, unaligned.
//
// Grounded on the teacher's transport/pdu.go framing discipline (fixed
// protocol headers read/written at known offsets) generalised from a
// streaming object-transport header to this spec's 128-byte control frame.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"

	"github.com/NVIDIA/aislambda/cmn/cos"
)

// Tag identifies the kind of a frame (spec.md §3).
type Tag uint16

const (
	TagProcessConnection Tag = iota
	TagSwapRequest
	TagSwapConfirmation
	TagInvocationRequest
	TagInvocationResult
	TagDataplaneMetrics
	TagProcessClosure
	TagApplicationUpdate
	TagPutMessage

	// EndFlag is the first tag value that is NOT a valid message tag;
	// parsing a frame whose tag >= EndFlag fails with ErrInvalidMessage.
	EndFlag
)

func (t Tag) Valid() bool { return t < EndFlag }

func (t Tag) String() string {
	switch t {
	case TagProcessConnection:
		return "PROCESS_CONNECTION"
	case TagSwapRequest:
		return "SWAP_REQUEST"
	case TagSwapConfirmation:
		return "SWAP_CONFIRMATION"
	case TagInvocationRequest:
		return "INVOCATION_REQUEST"
	case TagInvocationResult:
		return "INVOCATION_RESULT"
	case TagDataplaneMetrics:
		return "DATAPLANE_METRICS"
	case TagProcessClosure:
		return "PROCESS_CLOSURE"
	case TagApplicationUpdate:
		return "APPLICATION_UPDATE"
	case TagPutMessage:
		return "PUT_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

const (
	// BufSize is the fixed frame size ("BUF_SIZE" in spec.md §4.1).
	BufSize = 128

	offTag   = 0
	offLen   = 2
	offBody  = 6
	bodySize = BufSize - offBody // 122

	NameSize = 32
	IDSize   = 16
)

// Frame is a single 128-byte wire header. The payload (total_length bytes,
// when non-zero) follows on the wire but is carried out-of-band here as a
// separate []byte so callers can use pooled buffers (see package ipc).
type Frame [BufSize]byte

func NewFrame(tag Tag) *Frame {
	f := &Frame{}
	binary.LittleEndian.PutUint16(f[offTag:], uint16(tag))
	return f
}

func (f *Frame) Tag() Tag { return Tag(binary.LittleEndian.Uint16(f[offTag:])) }

func (f *Frame) TotalLength() uint32 { return binary.LittleEndian.Uint32(f[offLen:]) }

func (f *Frame) SetTotalLength(n uint32) {
	binary.LittleEndian.PutUint32(f[offLen:], n)
}

// body returns the tag-specific 122-byte slot.
func (f *Frame) body() []byte { return f[offBody:BufSize] }

// Parse validates the tag and returns it, or ErrInvalidMessage.
func Parse(f *Frame) (Tag, error) {
	tag := f.Tag()
	if !tag.Valid() {
		return tag, cos.NewErrInvalidMessage(int(tag))
	}
	return tag, nil
}

//
// fixed-width field helpers (shared by every typed view below)
//

func putFixedString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return cos.NewErrInvalidArgument("name/id field", "exceeds fixed slot size")
	}
	clear(dst)
	copy(dst, s)
	return nil
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}
