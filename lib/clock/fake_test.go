// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func received(channel <-chan time.Time) (time.Time, bool) {
	select {
	case value := <-channel:
		return value, true
	default:
		return time.Time{}, false
	}
}

func TestFakeNow(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(90 * time.Second)
	if got, want := fake.Now(), epoch.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration time.Duration
		advance  time.Duration
		fires    bool
	}{
		{"zero fires immediately", 0, 0, true},
		{"negative fires immediately", -time.Second, 0, true},
		{"partial advance", 5 * time.Second, 4 * time.Second, false},
		{"exact deadline", 5 * time.Second, 5 * time.Second, true},
		{"past deadline", 5 * time.Second, time.Minute, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			fake := Fake(epoch)
			channel := fake.After(test.duration)
			fake.Advance(test.advance)
			if _, fired := received(channel); fired != test.fires {
				t.Errorf("fired = %v, want %v", fired, test.fires)
			}
		})
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	timer := fake.NewTimer(time.Second)
	if !timer.Stop() {
		t.Error("Stop() of an armed timer = false, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
	fake.Advance(time.Minute)
	if _, fired := received(timer.C); fired {
		t.Error("stopped timer fired")
	}
	if fake.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", fake.PendingCount())
	}
}

func TestFakeTimerReset(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	timer := fake.NewTimer(10 * time.Second)

	fake.Advance(8 * time.Second)
	if !timer.Reset(10 * time.Second) {
		t.Error("Reset() of an armed timer = false, want true")
	}
	fake.Advance(8 * time.Second)
	if _, fired := received(timer.C); fired {
		t.Fatal("timer fired at its original deadline after Reset")
	}
	fake.Advance(2 * time.Second)
	if value, fired := received(timer.C); !fired || !value.Equal(epoch.Add(18*time.Second)) {
		t.Errorf("fire = %v, %v, want %v", value, fired, epoch.Add(18*time.Second))
	}

	if timer.Reset(time.Second) {
		t.Error("Reset() of a fired timer = true, want false")
	}
	fake.Advance(time.Second)
	if _, fired := received(timer.C); !fired {
		t.Error("re-armed timer did not fire")
	}
}

func TestFakeTimerResetDiscardsPendingFire(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	timer := fake.NewTimer(time.Second)
	fake.Advance(time.Second)
	timer.Reset(time.Minute)
	if _, fired := received(timer.C); fired {
		t.Error("Reset left a stale value in C")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	late := fake.After(3 * time.Second)
	early := fake.After(time.Second)
	fake.Advance(5 * time.Second)

	for name, channel := range map[string]<-chan time.Time{"early": early, "late": late} {
		if _, fired := received(channel); !fired {
			t.Errorf("%s waiter did not fire", name)
		}
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-fake.After(5 * time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not fire after Advance")
	}
}

func TestFakeConcurrentAccess(t *testing.T) {
	t.Parallel()

	fake := Fake(epoch)
	var group sync.WaitGroup
	for range 8 {
		group.Go(func() {
			timer := fake.NewTimer(time.Second)
			timer.Reset(2 * time.Second)
			timer.Stop()
			fake.Now()
		})
	}
	group.Go(func() { fake.Advance(time.Second) })
	group.Wait()
}

func TestImplementsClock(t *testing.T) {
	var _ Clock = Fake(epoch)
	var _ Clock = Real()
}

func TestRealTimer(t *testing.T) {
	t.Parallel()

	timer := Real().NewTimer(time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(5 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
