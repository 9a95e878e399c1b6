// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// Validate checks the structural invariants every history sent to a
// provider must hold:
//   - the first non-system message is from the user
//   - no two assistant messages are adjacent, ignoring system
//     messages between them
//   - every tool message answers exactly one tool call from the most
//     recent assistant message that has not been answered yet
//   - every tool call is answered before the next user or assistant
//     message, and before the end of the history
//   - tool call IDs are unique
//
// Consecutive user messages are allowed; adapters merge them.
func Validate(history []llm.Message) error {
	seen := make(map[string]bool)
	var pending []string // unanswered calls of the latest assistant message, in order
	sawConversation := false
	previousRole := llm.Role("")

	for i, message := range history {
		switch message.Role {
		case llm.RoleSystem:
			continue

		case llm.RoleUser:
			if len(pending) > 0 {
				return fmt.Errorf("context: message %d: user message before tool call %q was answered", i, pending[0])
			}

		case llm.RoleAssistant:
			if !sawConversation {
				return fmt.Errorf("context: message %d: history starts with an assistant message", i)
			}
			if len(pending) > 0 {
				return fmt.Errorf("context: message %d: assistant message before tool call %q was answered", i, pending[0])
			}
			if previousRole == llm.RoleAssistant {
				return fmt.Errorf("context: message %d: consecutive assistant messages", i)
			}
			for _, use := range message.ToolUses() {
				if seen[use.ID] {
					return fmt.Errorf("context: message %d: duplicate tool call ID %q", i, use.ID)
				}
				seen[use.ID] = true
				pending = append(pending, use.ID)
			}

		case llm.RoleTool:
			if !sawConversation {
				return fmt.Errorf("context: message %d: history starts with a tool message", i)
			}
			result := message.ToolResult()
			if result == nil {
				return fmt.Errorf("context: message %d: tool message without a tool result", i)
			}
			index := indexOf(pending, result.ToolUseID)
			if index < 0 {
				return fmt.Errorf("context: message %d: tool result %q does not answer an open tool call", i, result.ToolUseID)
			}
			pending = append(pending[:index], pending[index+1:]...)

		default:
			return fmt.Errorf("context: message %d: unknown role %q", i, message.Role)
		}
		sawConversation = true
		previousRole = message.Role
	}

	if len(pending) > 0 {
		return fmt.Errorf("context: tool call %q is never answered", pending[0])
	}
	return nil
}

func indexOf(values []string, target string) int {
	for i, value := range values {
		if value == target {
			return i
		}
	}
	return -1
}
