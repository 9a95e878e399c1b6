// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

func TestCharEstimatorCalibration(t *testing.T) {
	t.Parallel()

	hello := []llm.Message{llm.UserMessage("hello")} // 25 chars with framing
	pair := []llm.Message{
		llm.UserMessage("hello"),
		llm.AssistantMessage(llm.TextBlock("world")),
	} // 50 chars

	tests := []struct {
		name         string
		observations []int64
		messages     []llm.Message
		want         int
	}{
		{"default ratio rounds up", nil, hello, 7},
		{"zero tokens ignored", []int64{0}, hello, 7},
		{"negative tokens ignored", []int64{-50}, hello, 7},
		{"first observation replaces default", []int64{25}, pair, 26},
		// 0.3*10 + 0.7*2 = 4.4 chars per token; 50/4.4 = 11.36.
		{"second observation blends", []int64{25, 5}, pair, 12},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			estimator := NewCharEstimator()
			for _, observed := range test.observations {
				estimator.RecordUsage(test.messages, observed)
			}
			if got := estimator.EstimateTokens(test.messages); got != test.want {
				t.Errorf("EstimateTokens = %d, want %d (ratio %.2f)", got, test.want, estimator.Ratio())
			}
		})
	}
}

func TestCharEstimatorConverges(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()
	messages := []llm.Message{llm.UserMessage(strings.Repeat("x", 100))}
	for range 20 {
		estimator.RecordUsage(messages, 40) // 120 chars / 40 = 3.0
	}
	if ratio := estimator.Ratio(); math.Abs(ratio-3.0) > 0.01 {
		t.Errorf("Ratio = %.3f, want 3.0", ratio)
	}
}

func TestCharEstimatorEmptyHistory(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()
	estimator.RecordUsage(nil, 100)
	if got := estimator.EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
	if ratio := estimator.Ratio(); ratio != defaultCharactersPerToken {
		t.Errorf("Ratio = %v, want unchanged %v", ratio, defaultCharactersPerToken)
	}
}

func TestCharEstimatorCountsEveryBlockKind(t *testing.T) {
	t.Parallel()

	message := llm.AssistantMessage(
		llm.ReasoningBlock("think", "sig"),
		llm.ToolUseBlock("id", "shell", []byte(`{"cmd":"ls"}`)),
	)
	want := 20 + len("think") + len("shell") + len(`{"cmd":"ls"}`)
	if got := messageCharCount(message); got != want {
		t.Errorf("messageCharCount = %d, want %d", got, want)
	}
	result := llm.ToolMessage("call_1", "output", false)
	if got := messageCharCount(result); got != 20+len("call_1")+len("output") {
		t.Errorf("messageCharCount(tool) = %d", got)
	}
}

func TestCharEstimatorConcurrentUse(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()
	messages := textConversation(3)
	var group sync.WaitGroup
	for range 8 {
		group.Go(func() {
			for range 100 {
				estimator.RecordUsage(messages, 50)
				estimator.EstimateTokens(messages)
			}
		})
	}
	group.Wait()
}

func TestTokenizerEstimator(t *testing.T) {
	t.Parallel()

	estimator := NewTokenizerEstimator(usage.ByteEstimator{})
	messages := []llm.Message{
		llm.UserMessage("abcdefgh"),              // 2 tokens
		llm.ToolMessage("call_1", "abcd", false), // 1 token
	}
	if got := estimator.EstimateTokens(messages); got != 2+1+2*4 {
		t.Errorf("EstimateTokens = %d, want %d", got, 2+1+2*4)
	}
}
