// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "github.com/bureau-foundation/codeloop/lib/llm"

// turnGroup is a contiguous run of messages evicted as a unit. A
// group starts at a user message carrying text and runs until the
// next one. Assistant, tool, and system messages always continue the
// group they follow, so a tool_use and its tool results can never
// land in different groups.
//
//	user(text) → assistant(text)
//	user(text) → assistant(tool_use×2) → tool → tool → assistant(text)
type turnGroup struct {
	start int // inclusive
	end   int // exclusive
}

// partition is a history split into a preamble (messages before the
// first user prompt, normally empty) and turn groups.
type partition struct {
	preambleEnd int
	groups      []turnGroup
}

func partitionHistory(messages []llm.Message) partition {
	result := partition{preambleEnd: len(messages)}
	current := -1

	for i, message := range messages {
		if !startsTurnGroup(message) {
			continue
		}
		if current >= 0 {
			result.groups = append(result.groups, turnGroup{start: current, end: i})
		} else {
			result.preambleEnd = i
		}
		current = i
	}
	if current >= 0 {
		result.groups = append(result.groups, turnGroup{start: current, end: len(messages)})
	}
	return result
}

func startsTurnGroup(message llm.Message) bool {
	return message.Role == llm.RoleUser && message.HasText()
}

// messageCharCount returns the character count of a message's content
// plus a fixed overhead for role markers and JSON framing.
func messageCharCount(message llm.Message) int {
	count := 20
	for _, block := range message.Content {
		switch block.Type {
		case llm.ContentText:
			count += len(block.Text)
		case llm.ContentReasoning:
			if block.Reasoning != nil {
				count += len(block.Reasoning.Content)
			}
		case llm.ContentToolUse:
			if block.ToolUse != nil {
				count += len(block.ToolUse.Name) + len(block.ToolUse.Input)
			}
		case llm.ContentToolResult:
			if block.ToolResult != nil {
				count += len(block.ToolResult.Content) + len(block.ToolResult.ToolUseID)
			}
		}
	}
	return count
}

func messagesCharCount(messages []llm.Message) int {
	total := 0
	for i := range messages {
		total += messageCharCount(messages[i])
	}
	return total
}
