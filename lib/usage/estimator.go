// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// messageOverhead approximates the per-message framing tokens (role
// markers, separators) that providers add around content.
const messageOverhead = 4

// Estimator counts tokens in text.
type Estimator interface {
	CountTokens(text string) int
}

// TokenizerEstimator counts with the o200k_base BPE vocabulary. It is
// exact for recent OpenAI models and a close approximation for other
// providers, which is all an Approx count promises. If the vocabulary
// cannot be loaded it falls back to four bytes per token.
type TokenizerEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewTokenizerEstimator returns an estimator that loads its
// vocabulary on first use.
func NewTokenizerEstimator() *TokenizerEstimator {
	return &TokenizerEstimator{}
}

// CountTokens implements [Estimator].
func (estimator *TokenizerEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	estimator.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			estimator.codec = codec
		}
	})
	if estimator.codec != nil {
		if count, err := estimator.codec.Count(text); err == nil {
			return count
		}
	}
	return ByteEstimator{}.CountTokens(text)
}

// ByteEstimator assumes four bytes per token, rounding up.
type ByteEstimator struct{}

// CountTokens implements [Estimator].
func (ByteEstimator) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateRequest counts the tokens a request sends: system prompt,
// every message, and the tool schema.
func EstimateRequest(estimator Estimator, request llm.Request) int {
	total := estimator.CountTokens(request.System)
	for _, message := range request.Messages {
		total += messageOverhead + EstimateContent(estimator, message.Content)
	}
	for _, tool := range request.Tools {
		total += estimator.CountTokens(tool.Name) +
			estimator.CountTokens(tool.Description) +
			estimator.CountTokens(string(tool.InputSchema))
	}
	return total
}

// EstimateContent counts the tokens in content blocks.
func EstimateContent(estimator Estimator, blocks []llm.ContentBlock) int {
	total := 0
	for _, block := range blocks {
		switch block.Type {
		case llm.ContentText:
			total += estimator.CountTokens(block.Text)
		case llm.ContentReasoning:
			if block.Reasoning != nil {
				total += estimator.CountTokens(block.Reasoning.Content)
			}
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				total += estimator.CountTokens(block.ToolUse.Name) +
					estimator.CountTokens(string(block.ToolUse.Input))
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				total += estimator.CountTokens(block.ToolResult.Content)
			}
		}
	}
	return total
}
