// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package thread owns conversations between turns and starts turns on
// them.
//
// A [Manager] creates threads in the store, and for each turn takes
// the thread's write lease, loads the committed history, resolves the
// caller's [Session] into an agent and a model, and hands the result
// to the engine. The lease is held until the turn reaches a terminal
// state, so a second turn on the same thread is rejected with
// [store.ErrWriteConflict] rather than queued.
//
// Starting a turn is two steps. [Manager.StartTurn] does everything
// that can fail and returns a [PendingTurn]; [PendingTurn.Start] runs
// it. A protocol layer acknowledges the request between the two, so
// the acknowledgement always precedes the turn's first event.
package thread
