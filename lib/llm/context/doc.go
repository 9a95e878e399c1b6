// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package context compacts conversation history to fit a model's
// context window.
//
// A [Compactor] takes a history and a token budget and returns a
// history that fits. [Truncating] drops the oldest turn groups;
// [Summarizing] drops the same groups and replaces them with a model
// written summary. [Unbounded] never drops anything.
//
// Turn groups are the atomic unit of eviction. A group starts at a
// user message with text and runs up to the next one, so it carries
// every assistant response, tool call, and tool result of that
// exchange. Evicting whole groups keeps tool calls paired with their
// results and keeps the most recent user message, which lives in the
// last group and is never evicted. [Validate] checks these invariants
// on any history.
//
// Token counts come from a [TokenEstimator]. [CharEstimator]
// calibrates a characters-per-token ratio from actual provider usage;
// [TokenizerEstimator] counts with a BPE vocabulary.
//
// The package name shadows the standard library; importers alias one
// of the two.
package context
