// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations codeloop schedules work with:
// retry backoff, the turn idle watchdog, and the tool cancellation
// grace period. Production code injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that delivers on C after d. Unlike
	// After, the timer can be stopped and re-armed, which a watchdog
	// needs on every sign of progress.
	NewTimer(d time.Duration) *Timer
}

// Timer is a stoppable, resettable one-shot timer. C has capacity 1.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if it already fired or was stopped. A value already
// delivered to C is not drained.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d, discarding a pending
// undelivered fire. Returns true if the timer was active.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
