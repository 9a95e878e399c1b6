// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever waiting on a turn, a tool call,
// or a provider stub. Engine and executor tests otherwise run on a
// fake clock.
//
// [SocketDir] and [DialSocket] set up protocol tests over real Unix
// sockets.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
