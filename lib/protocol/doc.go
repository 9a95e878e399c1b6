// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol serves threads and turns to callers over a framed,
// bidirectional stream.
//
// Callers send requests and receive responses and notifications:
//
//	{"id": 1, "method": "turn/start", "params": {"threadId": "...", "message": "list files in /tmp"}}
//	{"id": 1, "result": {"threadId": "...", "turnId": "...", "model": "...", "agent": "coder"}}
//	{"method": "turn/started", "params": {"threadId": "...", "turnId": "..."}}
//	{"method": "turn/delta", "params": {"threadId": "...", "turnId": "...", "kind": "content", "text": "..."}}
//	{"method": "turn/completed", "params": {"threadId": "...", "turnId": "...", "usage": {...}}}
//
// Failures carry a kind from a fixed set: the engine's error kinds
// (provider_auth, store_write_conflict, not_found, ...) plus
// invalid_request, method_not_found, and shutting_down.
//
// Methods: server/info, thread/start, thread/list, thread/get,
// thread/delete, turn/start, turn/cancel, model/list, model/set,
// agent/list, agent/set.
//
// A turn/start response is always written before the turn's first
// notification, and every acknowledged turn ends with exactly one of
// turn/completed, turn/cancelled, or turn/error, after which nothing
// more is sent for it. Between those come turn/state, turn/delta
// (kind content or reasoning), turn/toolCall (phase started,
// completed, or rejected), turn/usage, and turn/compacted.
//
// Model and agent selection is per connection: model/set and
// agent/set change only the selection of the connection that sent
// them, and turn/start runs with the sender's selection at that
// moment.
//
// Frames are line-delimited JSON or a CBOR sequence (see package
// codec); the payload model is the same either way. [Server.Serve]
// listens on a Unix socket with persistent connections, and
// [Server.ServeConn] serves any reader and writer pair, such as stdio.
package protocol
