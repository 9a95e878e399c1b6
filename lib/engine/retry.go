// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/bureau-foundation/codeloop/lib/clock"
	"github.com/bureau-foundation/codeloop/lib/llm"
)

// RetryPolicy bounds provider retries within one step.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Zero means 4.
	MaxAttempts int

	// BaseDelay doubles per attempt up to MaxDelay. Zero means 1s and
	// 30s respectively.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (policy RetryPolicy) withDefaults() RetryPolicy {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 4
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return policy
}

// decide returns the delay before attempt+1 and whether to retry at
// all after attempt failed with err. A step that already forwarded
// output is never retried: the caller has seen it.
func (policy RetryPolicy) decide(err error, attempt int, forwarded bool) (time.Duration, bool) {
	if forwarded {
		return 0, false
	}
	var providerError *llm.ProviderError
	if !errors.As(err, &providerError) {
		return 0, false
	}
	switch providerError.Kind {
	case llm.ErrorRateLimited, llm.ErrorUnavailable:
		if attempt >= policy.MaxAttempts {
			return 0, false
		}
	case llm.ErrorMalformedResponse:
		if attempt >= 2 || attempt >= policy.MaxAttempts {
			return 0, false
		}
	default:
		return 0, false
	}
	return policy.backoff(attempt, providerError.RetryAfter), true
}

// backoff is exponential with equal jitter: half the step is fixed,
// half random. A server-requested Retry-After wins when longer, up to
// MaxDelay.
func (policy RetryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	step := policy.BaseDelay << min(attempt-1, 30)
	if step <= 0 || step > policy.MaxDelay {
		step = policy.MaxDelay
	}
	delay := step/2 + time.Duration(rand.Int64N(int64(step/2)+1))
	if retryAfter > delay {
		delay = min(retryAfter, policy.MaxDelay)
	}
	return delay
}

// sleep waits d on c, returning the cancellation cause if ctx ends
// first.
func sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	timer := c.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
