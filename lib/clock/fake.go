// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.waitersChanged = sync.NewCond(&clock.mutex)
	return clock
}

// FakeClock is a deterministic Clock for testing. After and NewTimer
// register pending waiters that fire when Advance moves the clock
// past their deadline.
type FakeClock struct {
	mutex          sync.Mutex
	current        time.Time
	waiters        []*fakeWaiter
	waitersChanged *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has advanced
// by d. If d <= 0 the channel receives immediately without
// registering a waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

// NewTimer returns a Timer that fires once the clock has advanced by d.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{channel: channel}
	c.armLocked(waiter, d)

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			return c.removeLocked(waiter)
		},
		resetFunc: func(d time.Duration) bool {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			active := c.removeLocked(waiter)
			select {
			case <-channel:
			default:
			}
			c.armLocked(waiter, d)
			return active
		},
	}
}

func (c *FakeClock) armLocked(waiter *fakeWaiter, d time.Duration) {
	if d <= 0 {
		waiter.channel <- c.current
		return
	}
	waiter.deadline = c.current.Add(d)
	c.addLocked(waiter)
}

func (c *FakeClock) addLocked(waiter *fakeWaiter) {
	c.waiters = append(c.waiters, waiter)
	c.waitersChanged.Broadcast()
}

// removeLocked drops waiter from the pending list, reporting whether
// it was pending.
func (c *FakeClock) removeLocked(waiter *fakeWaiter) bool {
	index := slices.Index(c.waiters, waiter)
	if index < 0 {
		return false
	}
	c.waiters = slices.Delete(c.waiters, index, index+1)
	return true
}

// Advance moves the clock forward by d and fires, in deadline order,
// every waiter whose deadline is at or before the new time. Sends are
// non-blocking; each waiter's channel has room for its one value.
func (c *FakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var expired, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.deadline.After(now) {
			remaining = append(remaining, waiter)
		} else {
			expired = append(expired, waiter)
		}
	}
	c.waiters = remaining
	c.mutex.Unlock()

	slices.SortStableFunc(expired, func(a, b *fakeWaiter) int {
		return a.deadline.Compare(b.deadline)
	})
	for _, waiter := range expired {
		select {
		case waiter.channel <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending. Call it
// before Advance to close the race between a goroutine arming a timer
// and the test moving the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for len(c.waiters) < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount returns the number of armed waiters.
func (c *FakeClock) PendingCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.waiters)
}
