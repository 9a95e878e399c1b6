// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"

	// RoleTool carries the result of exactly one tool call issued by
	// a preceding assistant message.
	RoleTool Role = "tool"
)

// ContentType discriminates the variants of [ContentBlock].
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentReasoning  ContentType = "reasoning"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
)

// Message is one entry in a conversation history.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// Files lists workspace-relative paths the user attached to the
	// message. Adapters do not send them; the engine inlines what the
	// model needs before the request is built.
	Files []string `json:"files,omitempty"`

	Timestamp time.Time `json:"timestamp,omitzero"`

	// Summary marks a system message produced by compaction to stand
	// in for evicted history.
	Summary bool `json:"summary,omitempty"`
}

// ContentBlock is a tagged union. Exactly one of the payload fields
// matching Type is set (Text for text, Reasoning, ToolUse, ToolResult).
type ContentBlock struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	Reasoning  *Reasoning  `json:"reasoning,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Reasoning is model-visible chain-of-thought. Signature is the
// provider's opaque integrity token; Anthropic rejects replayed
// thinking blocks without it.
type Reasoning struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// ToolUse is a model request to invoke a tool.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult answers the [ToolUse] with the same ID.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition

	MaxTokens     int
	Temperature   *float64
	StopSequences []string

	// ReasoningBudget enables extended reasoning when positive. For
	// Anthropic it is the thinking token budget; OpenAI-style servers
	// receive a reasoning effort derived from it.
	ReasoningBudget int

	// ExtraHeaders are added to the HTTP request after the endpoint's
	// own headers.
	ExtraHeaders map[string]string
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage holds provider-reported token counters for one request.
type Usage struct {
	// InputTokens counts prompt tokens that were neither read from
	// nor written to the prompt cache.
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64

	// Reported is true when the provider sent usage. When false the
	// counters are zero and callers estimate instead.
	Reported bool
}

// Response is a complete model response.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Usage      Usage
	Model      string
}

// ToolUses returns the tool_use blocks of the response in order.
func (response *Response) ToolUses() []ToolUse {
	return toolUses(response.Content)
}

// TextContent concatenates the text blocks of the response.
func (response *Response) TextContent() string {
	return joinText(response.Content)
}

// ReasoningContent concatenates the reasoning blocks of the response.
func (response *Response) ReasoningContent() string {
	var builder strings.Builder
	for _, block := range response.Content {
		if block.Type == ContentReasoning && block.Reasoning != nil {
			builder.WriteString(block.Reasoning.Content)
		}
	}
	return builder.String()
}

// EventType identifies a [StreamEvent].
type EventType string

const (
	// EventTextDelta carries an incremental fragment of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventReasoningDelta carries an incremental fragment of reasoning.
	EventReasoningDelta EventType = "reasoning_delta"

	// EventContentBlockDone carries a finished content block. Tool
	// calls are only surfaced this way, once their input is complete.
	EventContentBlockDone EventType = "content_block_done"

	// EventUsage reports the token counters known so far.
	EventUsage EventType = "usage"

	// EventDone marks the end of the model's response.
	EventDone EventType = "done"

	// EventError carries an error the provider sent in-band.
	EventError EventType = "error"

	// EventPing is a keepalive. It carries no content but counts as
	// forward progress.
	EventPing EventType = "ping"
)

// StreamEvent is one normalized event from a streaming response.
type StreamEvent struct {
	Type         EventType
	Text         string
	ContentBlock ContentBlock
	Usage        Usage
	Error        error
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ReasoningBlock returns a reasoning content block.
func ReasoningBlock(content, signature string) ContentBlock {
	return ContentBlock{
		Type:      ContentReasoning,
		Reasoning: &Reasoning{Content: content, Signature: signature},
	}
}

// ToolUseBlock returns a tool_use content block. An empty input is
// normalized to the empty JSON object.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ContentBlock{
		Type:    ContentToolUse,
		ToolUse: &ToolUse{ID: id, Name: name, Input: input},
	}
}

// ToolResultBlock returns a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Type: ContentToolResult,
		ToolResult: &ToolResult{
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		},
	}
}

// UserMessage returns a user message with a single text block.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// SystemMessage returns a system message with a single text block.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage returns an assistant message holding blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// ToolMessage returns a tool message answering one tool call.
func ToolMessage(toolUseID, content string, isError bool) Message {
	return Message{
		Role:    RoleTool,
		Content: []ContentBlock{ToolResultBlock(toolUseID, content, isError)},
	}
}

// Text concatenates the text blocks of the message.
func (message Message) Text() string {
	return joinText(message.Content)
}

// ToolUses returns the tool_use blocks of the message in order.
func (message Message) ToolUses() []ToolUse {
	return toolUses(message.Content)
}

// ToolResult returns the first tool_result block of the message, or
// nil if it has none.
func (message Message) ToolResult() *ToolResult {
	for _, block := range message.Content {
		if block.Type == ContentToolResult && block.ToolResult != nil {
			return block.ToolResult
		}
	}
	return nil
}

// HasText reports whether the message contains a non-empty text block.
func (message Message) HasText() bool {
	for _, block := range message.Content {
		if block.Type == ContentText && block.Text != "" {
			return true
		}
	}
	return false
}

func joinText(blocks []ContentBlock) string {
	var builder strings.Builder
	for _, block := range blocks {
		if block.Type == ContentText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

func toolUses(blocks []ContentBlock) []ToolUse {
	var uses []ToolUse
	for _, block := range blocks {
		if block.Type == ContentToolUse && block.ToolUse != nil {
			uses = append(uses, *block.ToolUse)
		}
	}
	return uses
}
