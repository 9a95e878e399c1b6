// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The engine and tool executor take a Clock in their configs rather
// than calling time.After or time.NewTimer directly. Tests pass a
// FakeClock and drive it explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	executor := tool.NewExecutor(tool.ExecutorConfig{Clock: fake, ...})
//	// ... start a call that will wait on the grace period ...
//	fake.WaitForTimers(1)
//	fake.Advance(2 * time.Second)
package clock
