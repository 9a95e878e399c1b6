// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable conversation store.
//
// Each thread is one row in the conversation table. Its message
// history is a single context blob: the JSON array of messages,
// zstd-compressed, with a BLAKE3 digest of the uncompressed JSON that
// is verified on every load. The conversation_stats projection holds
// the message count and the thread's usage rollup and is updated in
// the same transaction as the blob or the turn record it derives from.
//
// Usage counters are stored as tagged JSON ({"Actual":n} or
// {"Approx":n}) so provenance survives a round trip. Readers also
// accept bare numbers.
//
// Writes require a [Lease] from [Store.Lock]. A thread has at most one
// lease at a time; a second Lock fails immediately with
// [ErrWriteConflict] rather than waiting.
package store
