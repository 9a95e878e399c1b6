// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"errors"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// ErrCompactionImpossible is returned when a history cannot fit the
// budget even after every evictable turn group has been dropped. The
// error is wrapped with the estimates involved.
var ErrCompactionImpossible = errors.New("compaction impossible")

// Compactor reduces a conversation history to fit a token budget.
//
// Every implementation guarantees that the result:
//   - keeps tool_use and tool_result messages paired (pairs are kept
//     or dropped together, never split)
//   - keeps the most recent user message and everything after it
//   - is a fixed point: compacting the result again with the same
//     budget returns it unchanged
//
// When the budget cannot be met, Compact returns the best-effort
// result together with an error wrapping [ErrCompactionImpossible].
// Compact never mutates its input.
type Compactor interface {
	Compact(ctx context.Context, history []llm.Message, budget int) ([]llm.Message, error)
}

// TokenEstimator estimates the token count of a message slice without
// calling a tokenizer. Implementations may calibrate over time via
// RecordUsage feedback from actual provider responses.
type TokenEstimator interface {
	// EstimateTokens covers only the messages themselves, not the
	// system prompt, tool definitions, or protocol framing.
	EstimateTokens(messages []llm.Message) int

	// RecordUsage feeds back the provider's prompt token count for
	// exactly the slice that was sent.
	RecordUsage(messages []llm.Message, actualInputTokens int64)
}

// Budget configures the token limits for compaction.
type Budget struct {
	// ContextWindow is the model's total context window in tokens.
	ContextWindow int

	// MaxOutputTokens is reserved for each response.
	MaxOutputTokens int

	// OverheadTokens estimates the fixed per-request cost of the
	// system prompt, tool definitions, and protocol framing. Zero
	// means defaultOverheadTokens.
	OverheadTokens int
}

// defaultOverheadTokens is conservative for an agent with a handful
// of tools and a medium system prompt.
const defaultOverheadTokens = 4096

// MessageTokenBudget returns the tokens left for conversation
// messages after the output reservation and overhead. Never negative.
func (budget Budget) MessageTokenBudget() int {
	overhead := budget.OverheadTokens
	if overhead == 0 {
		overhead = defaultOverheadTokens
	}
	available := budget.ContextWindow - budget.MaxOutputTokens - overhead
	if available < 0 {
		return 0
	}
	return available
}

// Unbounded is a Compactor that never drops anything. Useful for
// tests and for models whose window is managed elsewhere.
type Unbounded struct{}

// Compact returns history unchanged.
func (Unbounded) Compact(_ context.Context, history []llm.Message, _ int) ([]llm.Message, error) {
	return history, nil
}
