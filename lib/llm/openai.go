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

	"github.com/google/uuid"
)

// OpenAI implements [Provider] for the OpenAI Chat Completions API
// and servers compatible with its wire format (OpenRouter, vLLM,
// Ollama, llama.cpp, and others).
type OpenAI struct {
	httpClient *http.Client
	endpoint   Endpoint
}

// NewOpenAI creates an OpenAI-compatible provider that POSTs to
// endpoint.URL (normally .../v1/chat/completions). endpoint.Header
// must carry the credential, typically "Authorization: Bearer ...".
func NewOpenAI(httpClient *http.Client, endpoint Endpoint) *OpenAI {
	return &OpenAI{
		httpClient: httpClient,
		endpoint:   Endpoint{URL: endpoint.URL, Header: endpoint.Header.Clone()},
	}
}

// Complete sends a non-streaming request and returns the full response.
func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Response, error) {
	wireRequest := buildOpenAIRequest(request, false)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.endpoint, wireRequest, "llm/openai", false, request.ExtraHeaders)
	if err != nil {
		return nil, err
	}

	return decodeResponse[openaiResponse](httpResponse, "llm/openai")
}

// Stream sends a streaming request and returns an [EventStream].
func (provider *OpenAI) Stream(ctx context.Context, request Request) (*EventStream, error) {
	wireRequest := buildOpenAIRequest(request, true)

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.endpoint, wireRequest, "llm/openai", true, request.ExtraHeaders)
	if err != nil {
		return nil, err
	}

	return newOpenAIEventStream(ctx, httpResponse.Body), nil
}

// buildOpenAIRequest converts our types to the OpenAI wire format.
func buildOpenAIRequest(request Request, stream bool) openaiRequest {
	wireRequest := openaiRequest{
		Model:       request.Model,
		MaxTokens:   request.MaxTokens,
		Temperature: request.Temperature,
		Stop:        request.StopSequences,
	}
	if stream {
		wireRequest.Stream = true
		wireRequest.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if request.ReasoningBudget > 0 {
		wireRequest.ReasoningEffort = reasoningEffort(request.ReasoningBudget)
	}

	if request.System != "" {
		wireRequest.Messages = append(wireRequest.Messages, openaiMessage{
			Role:    "system",
			Content: openaiTextContent(request.System),
		})
	}

	for _, message := range request.Messages {
		if wire, ok := toOpenAIMessage(message); ok {
			wireRequest.Messages = append(wireRequest.Messages, wire)
		}
	}

	for _, tool := range request.Tools {
		wireRequest.Tools = append(wireRequest.Tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return wireRequest
}

// reasoningEffort maps a thinking budget onto the three effort levels
// OpenAI-style servers accept.
func reasoningEffort(budget int) string {
	switch {
	case budget < 4096:
		return "low"
	case budget < 16384:
		return "medium"
	default:
		return "high"
	}
}

// newOpenAIEventStream creates an EventStream that parses OpenAI SSE
// events.
//
// OpenAI accumulates everything into deltas and finalizes all blocks
// at once when finish_reason arrives, and one chunk may carry several
// kinds of delta. A pending queue turns each chunk into zero or more
// events emitted one at a time through Next.
func newOpenAIEventStream(ctx context.Context, body io.ReadCloser) *EventStream {
	sseScanner := NewSSEScanner(body)

	var (
		reasoning        strings.Builder
		text             strings.Builder
		partialToolCalls []*openaiPartialToolCall
		pending          []StreamEvent
		modelSet         bool
		finished         bool
		done             bool
	)

	stream := NewEventStream(nil, body)

	finalize := func(reason string) {
		finished = true
		stream.setStopReason(mapOpenAIFinishReason(reason))
		if reasoning.Len() > 0 {
			pending = append(pending, StreamEvent{
				Type:         EventContentBlockDone,
				ContentBlock: ReasoningBlock(reasoning.String(), ""),
			})
		}
		if text.Len() > 0 {
			pending = append(pending, StreamEvent{
				Type:         EventContentBlockDone,
				ContentBlock: TextBlock(text.String()),
			})
		}
		for _, partial := range partialToolCalls {
			if partial == nil {
				continue
			}
			pending = append(pending, StreamEvent{
				Type:         EventContentBlockDone,
				ContentBlock: partial.toContentBlock(),
			})
		}
	}

	stream.next = func() (StreamEvent, error) {
		for {
			if len(pending) > 0 {
				event := pending[0]
				pending = pending[1:]
				return event, nil
			}
			if done {
				return StreamEvent{}, io.EOF
			}

			if !sseScanner.Next() {
				if err := sseScanner.Err(); err != nil {
					return StreamEvent{}, readFailure(ctx, "llm/openai", err)
				}
				// Some compatible servers close the stream after the
				// finish chunk without sending [DONE].
				if finished {
					done = true
					return StreamEvent{Type: EventDone}, nil
				}
				return StreamEvent{}, malformed("llm/openai: stream ended before finish_reason", io.ErrUnexpectedEOF)
			}

			sseEvent := sseScanner.Event()
			if sseEvent.Data == "[DONE]" {
				if !finished {
					return StreamEvent{}, malformed("llm/openai: [DONE] before finish_reason", nil)
				}
				done = true
				return StreamEvent{Type: EventDone}, nil
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(sseEvent.Data), &chunk); err != nil {
				return StreamEvent{}, malformed("llm/openai: parsing stream chunk", err)
			}

			// OpenAI sends errors as ordinary data lines.
			if chunk.Error != nil {
				return StreamEvent{
					Type: EventError,
					Error: &ProviderError{
						Kind:    kindForErrorType(chunk.Error.Type),
						Type:    chunk.Error.Type,
						Message: chunk.Error.Message,
					},
				}, nil
			}

			if !modelSet && chunk.Model != "" {
				stream.setModel(chunk.Model)
				modelSet = true
			}

			for _, choice := range chunk.Choices {
				if choice.Index != 0 {
					continue
				}
				delta := choice.Delta
				reasoningDelta := delta.ReasoningContent
				if reasoningDelta == "" {
					reasoningDelta = delta.Reasoning
				}
				if reasoningDelta != "" {
					reasoning.WriteString(reasoningDelta)
					pending = append(pending, StreamEvent{Type: EventReasoningDelta, Text: reasoningDelta})
				}
				if delta.Content != "" {
					text.WriteString(delta.Content)
					pending = append(pending, StreamEvent{Type: EventTextDelta, Text: delta.Content})
				}
				for _, toolCallDelta := range delta.ToolCalls {
					index := toolCallDelta.Index
					if index < 0 || index >= maxStreamToolCalls {
						return StreamEvent{}, malformed(fmt.Sprintf("llm/openai: tool call index %d out of range [0, %d)", index, maxStreamToolCalls), nil)
					}
					for len(partialToolCalls) <= index {
						partialToolCalls = append(partialToolCalls, nil)
					}
					partial := partialToolCalls[index]
					if partial == nil {
						partial = &openaiPartialToolCall{}
						partialToolCalls[index] = partial
					}
					if toolCallDelta.ID != "" {
						partial.id = toolCallDelta.ID
					}
					if toolCallDelta.Function != nil {
						if toolCallDelta.Function.Name != "" {
							partial.name = toolCallDelta.Function.Name
						}
						partial.arguments.WriteString(toolCallDelta.Function.Arguments)
					}
				}
				if choice.FinishReason != nil && !finished {
					finalize(*choice.FinishReason)
				}
			}

			// With stream_options.include_usage the usage arrives in
			// a final chunk with an empty choices array.
			if chunk.Usage != nil {
				pending = append(pending, StreamEvent{Type: EventUsage, Usage: chunk.Usage.toUsage()})
			}
		}
	}

	return stream
}

// maxStreamToolCalls bounds the tool call index a stream may use. The
// partial calls are indexed directly, so an unchecked index from the
// wire would size the slice.
const maxStreamToolCalls = 128

// --- OpenAI wire types ---
//
// The Content field on openaiMessage is json.RawMessage because
// OpenAI's content field is polymorphic: a JSON string for text-only
// messages or an array of content parts for multimodal input.

type openaiRequest struct {
	Model           string               `json:"model"`
	Messages        []openaiMessage      `json:"messages"`
	Tools           []openaiTool         `json:"tools,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	Stop            []string             `json:"stop,omitempty"`
	Stream          bool                 `json:"stream,omitempty"`
	StreamOptions   *openaiStreamOptions `json:"stream_options,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role             string           `json:"role"`
	Content          json.RawMessage  `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens        int64                      `json:"prompt_tokens"`
	CompletionTokens    int64                      `json:"completion_tokens"`
	PromptTokensDetails *openaiPromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type openaiPromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

func (wire *openaiUsage) toUsage() Usage {
	// prompt_tokens includes cached tokens; InputTokens does not.
	usage := Usage{
		InputTokens:  wire.PromptTokens,
		OutputTokens: wire.CompletionTokens,
		Reported:     true,
	}
	if wire.PromptTokensDetails != nil {
		usage.CacheReadTokens = wire.PromptTokensDetails.CachedTokens
		usage.InputTokens -= usage.CacheReadTokens
	}
	return usage
}

// Streaming chunks use "delta" instead of "message", tool calls carry
// an "index" for multiplexing, and finish_reason is null until the
// final chunk.

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Role             string                 `json:"role,omitempty"`
	Content          string                 `json:"content,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	ToolCalls        []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int                       `json:"index"`
	ID       string                    `json:"id,omitempty"`
	Type     string                    `json:"type,omitempty"`
	Function *openaiStreamToolFunction `json:"function,omitempty"`
}

type openaiStreamToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// openaiPartialToolCall is a tool call assembled from deltas: the
// first delta carries the ID and name, later ones extend arguments.
type openaiPartialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

func (partial *openaiPartialToolCall) toContentBlock() ContentBlock {
	id := partial.id
	if id == "" {
		// Local servers sometimes omit ids; results must still pair.
		id = "call_" + uuid.NewString()
	}
	return ToolUseBlock(id, partial.name, json.RawMessage(partial.arguments.String()))
}

// --- Wire type conversions ---

func openaiTextContent(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}

func openaiContentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(content, &text) == nil {
		return text
	}
	// Array of content parts: join the text parts.
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(content, &parts) == nil {
		var builder strings.Builder
		for _, part := range parts {
			if part.Type == "text" {
				builder.WriteString(part.Text)
			}
		}
		return builder.String()
	}
	return ""
}

// toOpenAIMessage converts one history message. Tool messages map
// one-to-one onto role "tool" messages. Reasoning is not replayed.
func toOpenAIMessage(message Message) (openaiMessage, bool) {
	switch message.Role {
	case RoleAssistant:
		wire := openaiMessage{Role: "assistant"}
		for _, use := range message.ToolUses() {
			wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
				ID:   use.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      use.Name,
					Arguments: string(validJSONObject(use.Input)),
				},
			})
		}
		if text := message.Text(); text != "" || len(wire.ToolCalls) == 0 {
			wire.Content = openaiTextContent(text)
		}
		return wire, true
	case RoleTool:
		result := message.ToolResult()
		if result == nil {
			return openaiMessage{}, false
		}
		content := result.Content
		if result.IsError && !strings.HasPrefix(content, "error") {
			content = "error: " + content
		}
		return openaiMessage{
			Role:       "tool",
			Content:    openaiTextContent(content),
			ToolCallID: result.ToolUseID,
		}, true
	default:
		return openaiMessage{
			Role:    string(message.Role),
			Content: openaiTextContent(message.Text()),
		}, true
	}
}

func (wireResponse *openaiResponse) toResponse() *Response {
	response := &Response{Model: wireResponse.Model}
	if wireResponse.Usage != nil {
		response.Usage = wireResponse.Usage.toUsage()
	}
	if len(wireResponse.Choices) == 0 {
		return response
	}

	choice := wireResponse.Choices[0]
	response.StopReason = mapOpenAIFinishReason(choice.FinishReason)

	if choice.Message.ReasoningContent != "" {
		response.Content = append(response.Content, ReasoningBlock(choice.Message.ReasoningContent, ""))
	}
	if text := openaiContentText(choice.Message.Content); text != "" {
		response.Content = append(response.Content, TextBlock(text))
	}
	for _, toolCall := range choice.Message.ToolCalls {
		partial := &openaiPartialToolCall{id: toolCall.ID, name: toolCall.Function.Name}
		partial.arguments.WriteString(toolCall.Function.Arguments)
		response.Content = append(response.Content, partial.toContentBlock())
	}

	return response
}

func mapOpenAIFinishReason(reason string) StopReason {
	switch reason {
	case "stop":
		return StopReasonEndTurn
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "length":
		return StopReasonMaxTokens
	default:
		// Preserve unknown reasons (e.g., "content_filter") as-is.
		return StopReason(reason)
	}
}
