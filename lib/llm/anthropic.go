// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// anthropicVersion is sent when the endpoint does not set its own
// anthropic-version header.
const anthropicVersion = "2023-06-01"

// Anthropic implements [Provider] for the Anthropic Messages API.
type Anthropic struct {
	httpClient *http.Client
	endpoint   Endpoint
}

// NewAnthropic creates an Anthropic provider that POSTs to
// endpoint.URL (normally https://api.anthropic.com/v1/messages).
// endpoint.Header must carry the credential, typically x-api-key.
func NewAnthropic(httpClient *http.Client, endpoint Endpoint) *Anthropic {
	header := endpoint.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("anthropic-version") == "" {
		header.Set("anthropic-version", anthropicVersion)
	}
	return &Anthropic{
		httpClient: httpClient,
		endpoint:   Endpoint{URL: endpoint.URL, Header: header},
	}
}

// Complete sends a non-streaming request and returns the full response.
func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := buildAnthropicRequest(request, false)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.endpoint, wireRequest, "llm/anthropic", false, request.ExtraHeaders)
	if err != nil {
		return nil, err
	}

	return decodeResponse[anthropicResponse](httpResponse, "llm/anthropic")
}

// Stream sends a streaming request and returns an [EventStream].
func (provider *Anthropic) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireRequest := buildAnthropicRequest(request, true)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.endpoint, wireRequest, "llm/anthropic", true, request.ExtraHeaders)
	if err != nil {
		return nil, err
	}

	return newAnthropicEventStream(ctx, httpResponse.Body), nil
}

// buildAnthropicRequest converts our types to Anthropic wire format.
// The Messages API only knows user and assistant turns: system
// messages from the history are appended to the system prompt, and
// tool messages become tool_result blocks in a user turn. Consecutive
// turns with the same wire role are merged.
func buildAnthropicRequest(request Request, stream bool) anthropicRequest {
	wireRequest := anthropicRequest{
		Model:         request.Model,
		MaxTokens:     request.MaxTokens,
		Stream:        stream,
		Temperature:   request.Temperature,
		StopSequences: request.StopSequences,
	}

	systemParts := []string{}
	if request.System != "" {
		systemParts = append(systemParts, request.System)
	}

	for _, message := range request.Messages {
		if message.Role == RoleSystem {
			if text := message.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}

		wire := toAnthropicMessage(message)
		if len(wire.Content) == 0 {
			continue
		}
		last := len(wireRequest.Messages) - 1
		if last >= 0 && wireRequest.Messages[last].Role == wire.Role {
			wireRequest.Messages[last].Content = append(wireRequest.Messages[last].Content, wire.Content...)
			continue
		}
		wireRequest.Messages = append(wireRequest.Messages, wire)
	}
	wireRequest.System = strings.Join(systemParts, "\n\n")

	if request.ReasoningBudget > 0 {
		wireRequest.Thinking = &anthropicThinking{
			Type:         "enabled",
			BudgetTokens: request.ReasoningBudget,
		}
		// Extended thinking requires max_tokens above the budget and
		// rejects a temperature other than the default.
		if wireRequest.MaxTokens <= request.ReasoningBudget {
			wireRequest.MaxTokens = request.ReasoningBudget + wireRequest.MaxTokens
		}
		wireRequest.Temperature = nil
	}

	for _, tool := range request.Tools {
		wireRequest.Tools = append(wireRequest.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	return wireRequest
}

// newAnthropicEventStream creates an EventStream that parses Anthropic
// SSE events.
func newAnthropicEventStream(ctx context.Context, body io.ReadCloser) *EventStream {
	sseScanner := NewSSEScanner(body)

	// Each content_block_start creates an entry; content_block_delta
	// appends to it; content_block_stop finalizes it.
	partialBlocks := map[int]*anthropicPartialBlock{}
	var stopped bool

	stream := NewEventStream(nil, body)

	stream.next = func() (StreamEvent, error) {
		for {
			if !sseScanner.Next() {
				if err := sseScanner.Err(); err != nil {
					return StreamEvent{}, readFailure(ctx, "llm/anthropic", err)
				}
				if !stopped {
					return StreamEvent{}, malformed("llm/anthropic: stream ended before message_stop", io.ErrUnexpectedEOF)
				}
				return StreamEvent{}, io.EOF
			}

			sseEvent := sseScanner.Event()
			data := []byte(sseEvent.Data)

			switch sseEvent.Type {
			case "message_start":
				var envelope struct {
					Message struct {
						Model string         `json:"model"`
						Usage anthropicUsage `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing message_start", err)
				}
				stream.setModel(envelope.Message.Model)
				usage := envelope.Message.Usage.toUsage()
				return StreamEvent{Type: EventUsage, Usage: usage}, nil

			case "content_block_start":
				var envelope struct {
					Index        int                   `json:"index"`
					ContentBlock anthropicContentBlock `json:"content_block"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing content_block_start", err)
				}
				partialBlocks[envelope.Index] = &anthropicPartialBlock{
					blockType: envelope.ContentBlock.Type,
					toolUseID: envelope.ContentBlock.ID,
					toolName:  envelope.ContentBlock.Name,
				}
				continue

			case "content_block_delta":
				var envelope struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						Thinking    string `json:"thinking"`
						Signature   string `json:"signature"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing content_block_delta", err)
				}
				block, ok := partialBlocks[envelope.Index]
				if !ok {
					return StreamEvent{}, malformed(fmt.Sprintf("llm/anthropic: delta for unknown block %d", envelope.Index), nil)
				}
				switch envelope.Delta.Type {
				case "text_delta":
					block.content.WriteString(envelope.Delta.Text)
					return StreamEvent{Type: EventTextDelta, Text: envelope.Delta.Text}, nil
				case "thinking_delta":
					block.content.WriteString(envelope.Delta.Thinking)
					return StreamEvent{Type: EventReasoningDelta, Text: envelope.Delta.Thinking}, nil
				case "signature_delta":
					block.signature = envelope.Delta.Signature
				case "input_json_delta":
					// Only the complete tool_use block is surfaced,
					// on content_block_stop.
					block.content.WriteString(envelope.Delta.PartialJSON)
				}
				continue

			case "content_block_stop":
				var envelope struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing content_block_stop", err)
				}
				block, ok := partialBlocks[envelope.Index]
				if !ok {
					continue
				}
				delete(partialBlocks, envelope.Index)
				contentBlock, keep := block.toContentBlock()
				if !keep {
					continue
				}
				return StreamEvent{Type: EventContentBlockDone, ContentBlock: contentBlock}, nil

			case "message_delta":
				var envelope struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int64 `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing message_delta", err)
				}
				stream.setStopReason(mapAnthropicStopReason(envelope.Delta.StopReason))
				usage := stream.usage()
				usage.OutputTokens = envelope.Usage.OutputTokens
				usage.Reported = true
				return StreamEvent{Type: EventUsage, Usage: usage}, nil

			case "message_stop":
				stopped = true
				return StreamEvent{Type: EventDone}, nil

			case "ping":
				return StreamEvent{Type: EventPing}, nil

			case "error":
				var envelope struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil {
					return StreamEvent{}, malformed("llm/anthropic: parsing error event", err)
				}
				return StreamEvent{
					Type: EventError,
					Error: &ProviderError{
						Kind:    kindForErrorType(envelope.Error.Type),
						Type:    envelope.Error.Type,
						Message: envelope.Error.Message,
					},
				}, nil

			default:
				// Anthropic may add event types; unknown ones are skipped.
				continue
			}
		}
	}

	return stream
}

// --- Anthropic wire types ---

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (wire anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:      wire.InputTokens,
		OutputTokens:     wire.OutputTokens,
		CacheReadTokens:  wire.CacheReadInputTokens,
		CacheWriteTokens: wire.CacheCreationInputTokens,
		Reported:         true,
	}
}

// anthropicPartialBlock tracks a content block being assembled from
// streaming events. content holds text, thinking, or tool input JSON
// depending on blockType.
type anthropicPartialBlock struct {
	blockType string
	content   strings.Builder
	signature string
	toolUseID string
	toolName  string
}

// toContentBlock finalizes the block. Redacted thinking and unknown
// block types are dropped.
func (block *anthropicPartialBlock) toContentBlock() (ContentBlock, bool) {
	switch block.blockType {
	case "text":
		return TextBlock(block.content.String()), true
	case "thinking":
		return ReasoningBlock(block.content.String(), block.signature), true
	case "tool_use":
		return ToolUseBlock(block.toolUseID, block.toolName, json.RawMessage(block.content.String())), true
	default:
		return ContentBlock{}, false
	}
}

// --- Wire type conversions ---

func toAnthropicMessage(message Message) anthropicMessage {
	role := "user"
	if message.Role == RoleAssistant {
		role = "assistant"
	}
	wire := anthropicMessage{Role: role}
	for _, block := range message.Content {
		if wireBlock, ok := toAnthropicContentBlock(block); ok {
			wire.Content = append(wire.Content, wireBlock)
		}
	}
	return wire
}

func toAnthropicContentBlock(block ContentBlock) (anthropicContentBlock, bool) {
	switch block.Type {
	case ContentText:
		if block.Text == "" {
			return anthropicContentBlock{}, false
		}
		return anthropicContentBlock{Type: "text", Text: block.Text}, true
	case ContentReasoning:
		// Thinking without a signature cannot be replayed.
		if block.Reasoning == nil || block.Reasoning.Signature == "" {
			return anthropicContentBlock{}, false
		}
		return anthropicContentBlock{
			Type:      "thinking",
			Thinking:  block.Reasoning.Content,
			Signature: block.Reasoning.Signature,
		}, true
	case ContentToolUse:
		if block.ToolUse == nil {
			return anthropicContentBlock{}, false
		}
		return anthropicContentBlock{
			Type:  "tool_use",
			ID:    block.ToolUse.ID,
			Name:  block.ToolUse.Name,
			Input: validJSONObject(block.ToolUse.Input),
		}, true
	case ContentToolResult:
		if block.ToolResult == nil {
			return anthropicContentBlock{}, false
		}
		contentJSON, _ := json.Marshal(block.ToolResult.Content)
		return anthropicContentBlock{
			Type:      "tool_result",
			ToolUseID: block.ToolResult.ToolUseID,
			Content:   contentJSON,
			IsError:   block.ToolResult.IsError,
		}, true
	}
	return anthropicContentBlock{}, false
}

// validJSONObject returns input if it is valid JSON, else the empty
// object. Models occasionally emit truncated tool input; replaying it
// verbatim would make the whole request unmarshalable.
func validJSONObject(input json.RawMessage) json.RawMessage {
	if len(input) == 0 || !json.Valid(input) {
		return json.RawMessage("{}")
	}
	return input
}

func (wireResponse *anthropicResponse) toResponse() *Response {
	response := &Response{
		StopReason: mapAnthropicStopReason(wireResponse.StopReason),
		Model:      wireResponse.Model,
		Usage:      wireResponse.Usage.toUsage(),
	}
	for _, wire := range wireResponse.Content {
		switch wire.Type {
		case "text":
			response.Content = append(response.Content, TextBlock(wire.Text))
		case "thinking":
			response.Content = append(response.Content, ReasoningBlock(wire.Thinking, wire.Signature))
		case "tool_use":
			response.Content = append(response.Content, ToolUseBlock(wire.ID, wire.Name, wire.Input))
		}
	}
	return response
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "end_turn":
		return StopReasonEndTurn
	case "tool_use":
		return StopReasonToolUse
	case "max_tokens":
		return StopReasonMaxTokens
	case "stop_sequence":
		return StopReasonStopSequence
	default:
		return StopReason(reason)
	}
}
