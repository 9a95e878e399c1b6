// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// Summarizer condenses evicted history into prose. prior is the text
// of the summary the history already carried, empty if none; the new
// summary must fold it in.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, evicted []llm.Message) (string, error)
}

// Summarizing implements [Compactor] by evicting turn groups exactly
// like [Truncating] and replacing them with a single system message
// (Summary set) placed after the protected groups. Earlier summaries
// are folded into the new one, so a history carries at most one.
//
// If the summarizer fails, or the summarized history would not fit
// the budget without further eviction, the plain truncation result is
// returned instead.
type Summarizing struct {
	estimator       TokenEstimator
	summarizer      Summarizer
	protectedGroups int
	logger          *slog.Logger
}

// NewSummarizing returns a Summarizing compactor. logger may be nil.
func NewSummarizing(estimator TokenEstimator, summarizer Summarizer, protectedGroups int, logger *slog.Logger) *Summarizing {
	if protectedGroups < 0 {
		protectedGroups = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Summarizing{
		estimator:       estimator,
		summarizer:      summarizer,
		protectedGroups: protectedGroups,
		logger:          logger,
	}
}

// Compact implements [Compactor].
func (summarizing *Summarizing) Compact(ctx context.Context, history []llm.Message, budget int) ([]llm.Message, error) {
	stripped, prior := stripSummaries(history)

	plan := planEviction(summarizing.estimator, stripped, budget, summarizing.protectedGroups)
	if plan.evicted == 0 && plan.fits {
		return history, nil
	}
	truncated := plan.assemble(stripped, nil)
	if !plan.fits {
		return truncated, plan.impossible(budget)
	}

	evicted := make([]llm.Message, 0, plan.evictedMessageCount())
	for _, group := range plan.evictedGroups() {
		evicted = append(evicted, stripped[group.start:group.end]...)
	}

	text, err := summarizing.summarizer.Summarize(ctx, prior, evicted)
	if err != nil {
		summarizing.logger.Warn("summarization failed, truncating instead",
			"evicted_groups", plan.evicted,
			"error", err,
		)
		return truncated, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return truncated, nil
	}

	summary := llm.SystemMessage(text)
	summary.Summary = true
	summarized := plan.assemble(stripped, []llm.Message{summary})

	// The summarized history must be its own fixed point: it has to
	// fit without any further eviction.
	check := planEviction(summarizing.estimator, summarized, budget, summarizing.protectedGroups)
	if check.evicted != 0 || !check.fits {
		summarizing.logger.Debug("summary does not fit budget, truncating instead",
			"summary_chars", len(text),
			"budget", budget,
		)
		return truncated, nil
	}
	return summarized, nil
}

// stripSummaries removes compaction summaries from history and
// returns their concatenated text.
func stripSummaries(history []llm.Message) ([]llm.Message, string) {
	found := false
	for _, message := range history {
		if message.Summary {
			found = true
			break
		}
	}
	if !found {
		return history, ""
	}

	var priors []string
	stripped := make([]llm.Message, 0, len(history))
	for _, message := range history {
		if message.Summary {
			priors = append(priors, message.Text())
			continue
		}
		stripped = append(stripped, message)
	}
	return stripped, strings.Join(priors, "\n\n")
}

// summaryInstructions is the system prompt for ProviderSummarizer.
const summaryInstructions = `You compress the earlier part of a conversation between a user and a coding agent so the agent can continue without it.

Write a concise summary covering: the user's goals and constraints, decisions made, files read or changed, commands run and their notable results, and open problems. Keep exact identifiers such as file paths, function names, and error messages. Do not address the user. Output only the summary.`

// ProviderSummarizer summarizes with a non-streaming model call.
type ProviderSummarizer struct {
	Provider  llm.Provider
	Model     string
	MaxTokens int
}

// Summarize implements [Summarizer].
func (summarizer *ProviderSummarizer) Summarize(ctx context.Context, prior string, evicted []llm.Message) (string, error) {
	maxTokens := summarizer.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	request := llm.Request{
		Model:     summarizer.Model,
		System:    summaryInstructions,
		MaxTokens: maxTokens,
		Messages:  []llm.Message{llm.UserMessage(transcript(prior, evicted))},
	}
	response, err := summarizer.Provider.Complete(ctx, request)
	if err != nil {
		return "", fmt.Errorf("context: summarizing %d messages: %w", len(evicted), err)
	}
	return response.TextContent(), nil
}

// transcript renders messages as plain text for the summarizer. Tool
// calls and results are inlined so the request itself carries no
// tool blocks that would need pairing.
func transcript(prior string, messages []llm.Message) string {
	var builder strings.Builder
	if prior != "" {
		builder.WriteString("Summary of earlier conversation:\n")
		builder.WriteString(prior)
		builder.WriteString("\n\n")
	}
	builder.WriteString("Conversation to summarize:\n")
	for _, message := range messages {
		for _, block := range message.Content {
			switch block.Type {
			case llm.ContentText:
				fmt.Fprintf(&builder, "\n[%s] %s\n", message.Role, block.Text)
			case llm.ContentToolUse:
				if block.ToolUse != nil {
					fmt.Fprintf(&builder, "\n[tool call %s] %s\n", block.ToolUse.Name, block.ToolUse.Input)
				}
			case llm.ContentToolResult:
				if block.ToolResult != nil {
					status := "result"
					if block.ToolResult.IsError {
						status = "error"
					}
					fmt.Fprintf(&builder, "\n[tool %s] %s\n", status, block.ToolResult.Content)
				}
			}
		}
	}
	return builder.String()
}
