// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"sync"

	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// defaultCharactersPerToken is the ratio before any calibration. BPE
// tokenizers average 3.5 to 4.5 characters per token on English text
// with code; 4.0 overestimates slightly, which compacts early rather
// than overflowing.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor is the EMA weight on each new observation.
const defaultSmoothingFactor = 0.3

// CharEstimator estimates token counts from character counts using a
// ratio calibrated by exponential moving average over actual provider
// usage. The ratio absorbs fixed request overhead, so early estimates
// run high and converge as message content dominates.
//
// Safe for concurrent use.
type CharEstimator struct {
	mu                 sync.Mutex
	charactersPerToken float64
	smoothingFactor    float64
	observationCount   int
}

// NewCharEstimator returns a CharEstimator with a ratio of 4.0
// characters per token and a smoothing factor of 0.3.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// EstimateTokens rounds up.
func (estimator *CharEstimator) EstimateTokens(messages []llm.Message) int {
	if len(messages) == 0 {
		return 0
	}
	estimator.mu.Lock()
	ratio := estimator.charactersPerToken
	estimator.mu.Unlock()

	tokens := float64(messagesCharCount(messages)) / ratio
	return int(tokens) + 1
}

// RecordUsage replaces the default ratio on the first observation
// and blends by EMA after that.
func (estimator *CharEstimator) RecordUsage(messages []llm.Message, actualInputTokens int64) {
	if actualInputTokens <= 0 {
		return
	}
	characters := messagesCharCount(messages)
	if characters == 0 {
		return
	}
	observedRatio := float64(characters) / float64(actualInputTokens)

	estimator.mu.Lock()
	defer estimator.mu.Unlock()
	estimator.observationCount++
	if estimator.observationCount == 1 {
		estimator.charactersPerToken = observedRatio
		return
	}
	estimator.charactersPerToken = estimator.smoothingFactor*observedRatio +
		(1.0-estimator.smoothingFactor)*estimator.charactersPerToken
}

// Ratio returns the current characters-per-token ratio.
func (estimator *CharEstimator) Ratio() float64 {
	estimator.mu.Lock()
	defer estimator.mu.Unlock()
	return estimator.charactersPerToken
}

// TokenizerEstimator counts with a real BPE vocabulary through
// [usage.Estimator]. It does not calibrate; RecordUsage is a no-op.
type TokenizerEstimator struct {
	counter usage.Estimator
}

// NewTokenizerEstimator wraps counter. A nil counter uses
// [usage.NewTokenizerEstimator].
func NewTokenizerEstimator(counter usage.Estimator) *TokenizerEstimator {
	if counter == nil {
		counter = usage.NewTokenizerEstimator()
	}
	return &TokenizerEstimator{counter: counter}
}

// EstimateTokens includes a small per-message framing overhead.
func (estimator *TokenizerEstimator) EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, message := range messages {
		total += 4 + usage.EstimateContent(estimator.counter, message.Content)
	}
	return total
}

// RecordUsage does nothing.
func (*TokenizerEstimator) RecordUsage([]llm.Message, int64) {}
