// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

// Pricing is a model's price in USD per million tokens.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`

	// CachedInput prices cache reads. Zero means cache reads cost the
	// same as uncached input.
	CachedInput float64 `json:"cached_input,omitempty"`
}

// Cost prices a usage record.
func (pricing Pricing) Cost(usage Usage) float64 {
	cached := usage.Cached.Value()
	uncached := usage.Prompt.Value() - cached
	if uncached < 0 {
		uncached = 0
	}
	cachedRate := pricing.CachedInput
	if cachedRate == 0 {
		cachedRate = pricing.Input
	}
	total := float64(uncached)*pricing.Input +
		float64(cached)*cachedRate +
		float64(usage.Completion.Value())*pricing.Output
	return total / 1_000_000
}

// Tracker accumulates step usage within one turn. Not safe for
// concurrent use: a turn records from its own goroutine.
type Tracker struct {
	pricing Pricing
	steps   []Usage
	turn    Usage
}

// NewTracker returns a tracker that prices steps with pricing.
func NewTracker(pricing Pricing) *Tracker {
	return &Tracker{pricing: pricing}
}

// Record prices step, adds it to the turn totals, and returns the
// priced step.
func (tracker *Tracker) Record(step Usage) Usage {
	step.Cost = tracker.pricing.Cost(step)
	tracker.steps = append(tracker.steps, step)
	tracker.turn = tracker.turn.Add(step)
	return step
}

// Turn returns the totals recorded so far.
func (tracker *Tracker) Turn() Usage {
	return tracker.turn
}

// Steps returns the recorded steps in order.
func (tracker *Tracker) Steps() []Usage {
	return append([]Usage(nil), tracker.steps...)
}
