// Package wire tests: frame round-trips and boundary behaviour (spec.md §8).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestConnRoundTrip(t *testing.T) {
	f, err := NewConn("CONTROLPLANE")
	if err != nil {
		t.Fatal(err)
	}
	if got := AsConn(f).Name(); got != "CONTROLPLANE" {
		t.Fatalf("got %q", got)
	}
}

func TestNameLengthBoundary(t *testing.T) {
	ok := strings.Repeat("a", NameSize)
	if _, err := NewConn(ok); err != nil {
		t.Fatalf("32-byte name should fit: %v", err)
	}
	tooLong := strings.Repeat("a", NameSize+1)
	if _, err := NewConn(tooLong); err == nil {
		t.Fatal("expected InvalidArgument for oversize name")
	}
}

func TestIDLengthBoundary(t *testing.T) {
	ok := strings.Repeat("a", IDSize)
	if _, err := NewInvocationResult(ok, 0); err != nil {
		t.Fatalf("16-byte id should fit: %v", err)
	}
	tooLong := strings.Repeat("a", IDSize+1)
	if _, err := NewInvocationResult(tooLong, 0); err == nil {
		t.Fatal("expected InvalidArgument for oversize id")
	}
}

func TestInvalidTagRejected(t *testing.T) {
	f := NewFrame(EndFlag)
	if _, err := Parse(f); err == nil {
		t.Fatal("expected InvalidMessage for tag == EndFlag")
	}
}

func TestInvocationRequestRoundTrip(t *testing.T) {
	f, err := NewInvocationRequest("inv-0000000001", "hello-world", SourcePeerProcess, "proc-aaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	v := AsInvocationRequest(f)
	if v.InvocationID() != "inv-0000000001" || v.FunctionName() != "hello-world" ||
		v.SourceKind() != SourcePeerProcess || v.SourceID() != "proc-aaaaaaaaa" {
		t.Fatalf("round-trip mismatch: %+v", v)
	}
}

func TestZeroPayloadFrame(t *testing.T) {
	var buf bytes.Buffer
	f, _ := NewInvocationResult("inv-000000000x", 0)
	if err := WriteFrame(&buf, f, nil); err != nil {
		t.Fatal(err)
	}
	got, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalLength() != 0 || len(payload) != 0 {
		t.Fatalf("expected zero-length payload, got %d/%d", got.TotalLength(), len(payload))
	}
}

func TestFrameWithPayloadConsumesExactBytes(t *testing.T) {
	var buf bytes.Buffer
	f, _ := NewInvocationRequest("inv-0000000002", "add", SourceLocal, "")
	payload := []byte(`{"arg1":42,"arg2":4}`)
	if err := WriteFrame(&buf, f, payload); err != nil {
		t.Fatal(err)
	}
	buf.WriteByte('X') // sentinel: next frame's first byte
	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q vs %q", got, payload)
	}
	if b, _ := buf.ReadByte(); b != 'X' {
		t.Fatal("reader consumed more than BufSize+total_length bytes")
	}
}
