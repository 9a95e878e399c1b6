// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package usage tracks token consumption and cost.
//
// Every counter is a [Count], a two-variant value that is either
// Actual (reported by the provider) or Approx (estimated locally by
// an [Estimator]). The distinction survives arithmetic, since a sum is
// Approx as soon as any operand is, and it survives serialization: JSON and
// CBOR encode the tag alongside the number.
//
// A [Tracker] accumulates the steps of one turn and prices them with
// the model's [Pricing]. Thread-level totals are the sum of turn
// totals; lib/store maintains that rollup transactionally.
package usage
