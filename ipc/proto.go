// Package ipc — the controller<->worker message taxonomy (spec.md §4.8,
// §9 "message de-duplication of types": kept distinct from the TCP wire
// taxonomy in package wire even though both frames share the same
// 128-byte physical layout). Tag values start past wire.EndFlag so a
// stray wire-tagged frame arriving on an IPC channel is never mistaken
// for one of these.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import "github.com/NVIDIA/aislambda/wire"

const (
	// TagPutRequest: worker -> controller, put a message or state value
	// (spec.md §4.8 step 3 "PUT_REQUEST"). Encoded with wire.NewPutMessage;
	// IsState() distinguishes a state put from a message put.
	TagPutRequest wire.Tag = wire.EndFlag + iota
	// TagGetRequest: worker -> controller (encoded with wire.NewPutMessage,
	// payload ignored); controller replies with TagGetReply.
	TagGetRequest
	// TagGetReply: controller -> worker; payload is the value on a hit, or
	// empty with ReturnCode() != 0 on a miss (spec.md §7
	// FunctionGetFailure). Encoded with wire.NewInvocationResult reusing
	// its (id, return_code) shape — "id" here carries the requested key.
	TagGetReply
	// TagStateKeysRequest: worker -> controller, no payload.
	TagStateKeysRequest
	// TagStateKeysReply: controller -> worker; payload is a JSON array of
	// {name, unix_nano} (spec.md §4.9 state_keys()).
	TagStateKeysReply
	// TagInvokeRequest: worker -> controller, invoke another function
	// (spec.md §4.8 step 3 "INVOCATION_REQUEST" from a worker). Encoded
	// with wire.NewInvocationRequest; the source-id slot names the TARGET
	// process ("SELF" or a peer process id). The requesting worker becomes
	// a waiter for the invocation id and receives the eventual result as a
	// wire.TagInvocationResult frame on its recv channel.
	TagInvokeRequest
)

// TargetSelf in a TagInvokeRequest/TagPutRequest target slot addresses the
// worker's own process.
const TargetSelf = "SELF"
