// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"github.com/bureau-foundation/codeloop/lib/llm"
)

// Usage is the token accounting for one step, turn, or thread.
//
// Prompt counts every input token including cache reads; Cached is
// the subset read from the prompt cache. Total is Prompt+Completion.
type Usage struct {
	Prompt     Count   `json:"prompt_tokens"`
	Completion Count   `json:"completion_tokens"`
	Cached     Count   `json:"cached_tokens"`
	Total      Count   `json:"total_tokens"`
	Cost       float64 `json:"cost"`
}

// Add returns the field-wise sum.
func (usage Usage) Add(other Usage) Usage {
	return Usage{
		Prompt:     usage.Prompt.Add(other.Prompt),
		Completion: usage.Completion.Add(other.Completion),
		Cached:     usage.Cached.Add(other.Cached),
		Total:      usage.Total.Add(other.Total),
		Cost:       usage.Cost + other.Cost,
	}
}

// IsApprox reports whether any counter was estimated.
func (usage Usage) IsApprox() bool {
	return usage.Prompt.IsApprox() || usage.Completion.IsApprox() ||
		usage.Cached.IsApprox() || usage.Total.IsApprox()
}

// FromProvider converts provider-reported counters to Actual counts.
// The caller must check [llm.Usage.Reported] first; unreported usage
// is estimated with [Estimate] instead.
func FromProvider(reported llm.Usage) Usage {
	prompt := reported.InputTokens + reported.CacheReadTokens + reported.CacheWriteTokens
	return Usage{
		Prompt:     Actual(prompt),
		Completion: Actual(reported.OutputTokens),
		Cached:     Actual(reported.CacheReadTokens),
		Total:      Actual(prompt + reported.OutputTokens),
	}
}

// Estimate returns Approx counts for a request and the response it
// produced.
func Estimate(estimator Estimator, request llm.Request, response llm.Response) Usage {
	prompt := int64(EstimateRequest(estimator, request))
	completion := int64(EstimateContent(estimator, response.Content))
	return Usage{
		Prompt:     Approx(prompt),
		Completion: Approx(completion),
		Cached:     Approx(0),
		Total:      Approx(prompt + completion),
	}
}

// ForStep returns Actual usage when the response carries reported
// counters and an estimate otherwise.
func ForStep(estimator Estimator, request llm.Request, response llm.Response) Usage {
	if response.Usage.Reported {
		return FromProvider(response.Usage)
	}
	return Estimate(estimator, request, response)
}
