// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine runs turns: the loop that calls a model, dispatches
// the tool calls it asks for, feeds the results back, and repeats
// until the model answers without tools.
//
// A turn moves through planning (compaction and request assembly),
// streaming (the provider call), and tool_dispatch, looping back to
// planning after each dispatch, then finalizing into completed. It can
// leave the loop at any point as cancelled or failed. Every state
// change, content delta, tool call, and usage record is published to
// the turn's [Sink] in order, from the goroutine running the turn, and
// the last event of every turn is exactly one of turn_completed,
// turn_cancelled, or turn_failed.
//
// History reaches the store only through the turn's [Committer], one
// whole step at a time: the assistant message and all of its tool
// results are appended together, so the committed history never holds
// a tool call without its result. A cancelled dispatch gets synthesized
// cancelled results for the calls that did not finish.
//
// Provider failures are retried inside a step only while nothing of
// that step has been forwarded: rate limits and unavailability with
// exponential backoff up to the retry policy's attempts, a malformed
// response once. Authentication and invalid-request failures end the
// turn immediately. Failures are reported with a [Kind] from a fixed
// taxonomy, see [KindOf].
package engine
