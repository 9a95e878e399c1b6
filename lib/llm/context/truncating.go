// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// Truncating implements [Compactor] by dropping the oldest turn
// groups until the history fits. The first protectedGroups groups
// (the initial task and its answer) and the last group (the current
// exchange) are never evicted. Any preamble before the first user
// prompt is kept as well.
//
// Truncating holds no per-conversation state and is safe to share
// across threads.
type Truncating struct {
	estimator       TokenEstimator
	protectedGroups int
}

// NewTruncating returns a Truncating compactor. A protectedGroups
// value below zero is treated as zero.
func NewTruncating(estimator TokenEstimator, protectedGroups int) *Truncating {
	if protectedGroups < 0 {
		protectedGroups = 0
	}
	return &Truncating{estimator: estimator, protectedGroups: protectedGroups}
}

// Compact implements [Compactor]. When the history already fits, the
// input slice is returned as is.
func (truncating *Truncating) Compact(_ context.Context, history []llm.Message, budget int) ([]llm.Message, error) {
	plan := planEviction(truncating.estimator, history, budget, truncating.protectedGroups)
	if plan.evicted == 0 && plan.fits {
		return history, nil
	}
	result := plan.assemble(history, nil)
	if !plan.fits {
		return result, plan.impossible(budget)
	}
	return result, nil
}

// evictionPlan is the outcome of choosing which groups to drop. The
// evicted groups are always the contiguous range
// groups[protected : protected+evicted].
type evictionPlan struct {
	partition
	protected int
	evicted   int
	tokens    int // estimate after eviction
	fits      bool
}

// planEviction estimates every turn group once and evicts from the
// oldest unprotected group forward. The history estimate is always the
// sum of the preamble and per-group estimates, so a result is judged
// by exactly the arithmetic that produced it and compacting it again
// is a no-op.
func planEviction(estimator TokenEstimator, history []llm.Message, budget, protectedGroups int) evictionPlan {
	plan := evictionPlan{partition: partitionHistory(history)}

	groupTokens := make([]int, len(plan.groups))
	plan.tokens = estimator.EstimateTokens(history[:plan.preambleEnd])
	for i, group := range plan.groups {
		groupTokens[i] = estimator.EstimateTokens(history[group.start:group.end])
		plan.tokens += groupTokens[i]
	}

	plan.protected = min(protectedGroups, max(len(plan.groups)-1, 0))
	evictable := max(len(plan.groups)-1-plan.protected, 0)
	for plan.tokens > budget && plan.evicted < evictable {
		plan.tokens -= groupTokens[plan.protected+plan.evicted]
		plan.evicted++
	}
	plan.fits = plan.tokens <= budget
	return plan
}

// assemble builds the compacted history: preamble, protected groups,
// the optional inserted messages, then the surviving recent groups.
func (plan evictionPlan) assemble(history []llm.Message, inserted []llm.Message) []llm.Message {
	result := make([]llm.Message, 0, len(history)-plan.evictedMessageCount()+len(inserted))
	result = append(result, history[:plan.preambleEnd]...)
	for _, group := range plan.groups[:plan.protected] {
		result = append(result, history[group.start:group.end]...)
	}
	result = append(result, inserted...)
	for _, group := range plan.groups[plan.protected+plan.evicted:] {
		result = append(result, history[group.start:group.end]...)
	}
	return result
}

func (plan evictionPlan) evictedGroups() []turnGroup {
	return plan.groups[plan.protected : plan.protected+plan.evicted]
}

func (plan evictionPlan) evictedMessageCount() int {
	count := 0
	for _, group := range plan.evictedGroups() {
		count += group.end - group.start
	}
	return count
}

func (plan evictionPlan) impossible(budget int) error {
	return fmt.Errorf("context: %w: estimated %d tokens exceeds budget of %d after evicting %d of %d turn groups",
		ErrCompactionImpossible, plan.tokens, budget, plan.evicted, len(plan.groups))
}
