// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

func TestPartitionHistory(t *testing.T) {
	t.Parallel()

	toolUse := func(id string) llm.Message {
		return llm.AssistantMessage(llm.ToolUseBlock(id, "shell", json.RawMessage(`{"cmd":"ls"}`)))
	}

	tests := []struct {
		name        string
		messages    []llm.Message
		preambleEnd int
		groups      []turnGroup
	}{
		{
			name:        "empty",
			preambleEnd: 0,
		},
		{
			name:        "text only",
			messages:    textConversation(3),
			preambleEnd: 0,
			groups:      []turnGroup{{0, 2}, {2, 4}, {4, 6}},
		},
		{
			name: "tool rounds stay in one group",
			messages: []llm.Message{
				llm.UserMessage("complex task"),
				toolUse("a"),
				llm.ToolMessage("a", "one", false),
				toolUse("b"),
				llm.ToolMessage("b", "two", false),
				llm.AssistantMessage(llm.TextBlock("all done")),
				llm.UserMessage("next"),
			},
			groups: []turnGroup{{0, 6}, {6, 7}},
		},
		{
			name: "system messages continue the group",
			messages: []llm.Message{
				llm.UserMessage("first"),
				llm.SystemMessage("note"),
				llm.AssistantMessage(llm.TextBlock("ok")),
			},
			groups: []turnGroup{{0, 3}},
		},
		{
			name: "preamble before the first prompt",
			messages: []llm.Message{
				llm.SystemMessage("summary"),
				llm.UserMessage("first"),
			},
			preambleEnd: 1,
			groups:      []turnGroup{{1, 2}},
		},
		{
			name: "user message without text does not start a group",
			messages: []llm.Message{
				llm.UserMessage("first"),
				{Role: llm.RoleUser, Files: []string{"main.go"}},
			},
			groups: []turnGroup{{0, 2}},
		},
		{
			name:        "no user prompt at all",
			messages:    []llm.Message{llm.SystemMessage("a"), llm.SystemMessage("b")},
			preambleEnd: 2,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := partitionHistory(test.messages)
			if got.preambleEnd != test.preambleEnd {
				t.Errorf("preambleEnd = %d, want %d", got.preambleEnd, test.preambleEnd)
			}
			if !reflect.DeepEqual(got.groups, test.groups) {
				t.Errorf("groups = %v, want %v", got.groups, test.groups)
			}
		})
	}
}

func TestMessagesCharCount(t *testing.T) {
	t.Parallel()

	messages := []llm.Message{
		llm.UserMessage("hello"),
		llm.AssistantMessage(llm.TextBlock("world")),
		{Role: llm.RoleUser},
	}
	if got := messagesCharCount(messages); got != 25+25+20 {
		t.Errorf("messagesCharCount = %d, want %d", got, 25+25+20)
	}
}
