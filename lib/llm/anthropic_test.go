// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// anthropicTestServer creates a test HTTP server and returns an
// Anthropic provider pointed at it.
func anthropicTestServer(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	header := http.Header{}
	header.Set("x-api-key", "test-key")
	return NewAnthropic(server.Client(), Endpoint{URL: server.URL + "/v1/messages", Header: header})
}

// writeSSE writes each event and flushes, mimicking a live stream.
func writeSSE(t *testing.T, writer http.ResponseWriter, events []string) {
	t.Helper()
	writer.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := writer.(http.Flusher)
	if !ok {
		t.Error("ResponseWriter does not support Flush")
		return
	}
	for _, event := range events {
		fmt.Fprint(writer, event)
		flusher.Flush()
	}
}

func sse(eventType, data string) string {
	return "event: " + eventType + "\ndata: " + data + "\n\n"
}

// drain reads the stream to the end and returns every event.
func drain(t *testing.T, stream *EventStream) ([]StreamEvent, error) {
	t.Helper()
	defer stream.Close()
	var events []StreamEvent
	for {
		event, err := stream.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

func TestAnthropicCompleteRequestShape(t *testing.T) {
	t.Parallel()

	var captured struct {
		header http.Header
		body   anthropicRequest
	}
	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		captured.header = request.Header.Clone()
		if err := json.NewDecoder(request.Body).Decode(&captured.body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": "done"}},
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 100, "output_tokens": 15, "cache_read_input_tokens": 50},
		})
	})

	history := []Message{
		SystemMessage("Summary of earlier work."),
		UserMessage("list files"),
		AssistantMessage(
			TextBlock("Looking."),
			ToolUseBlock("call_1", "list_files", json.RawMessage(`{"path":"."}`)),
			ToolUseBlock("call_2", "read_file", json.RawMessage(`{"path":"a.txt`)),
		),
		ToolMessage("call_1", "a.txt", false),
		ToolMessage("call_2", "no such file", true),
	}

	response, err := provider.Complete(context.Background(), Request{
		Model:        "claude-sonnet-4-5",
		System:       "You are a coding agent.",
		MaxTokens:    1024,
		Messages:     history,
		ExtraHeaders: map[string]string{"anthropic-beta": "test-beta"},
		Tools: []ToolDefinition{{
			Name:        "list_files",
			Description: "List files",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := captured.header.Get("x-api-key"); got != "test-key" {
		t.Errorf("x-api-key = %q, want test-key", got)
	}
	if got := captured.header.Get("anthropic-version"); got != anthropicVersion {
		t.Errorf("anthropic-version = %q, want %s", got, anthropicVersion)
	}
	if got := captured.header.Get("anthropic-beta"); got != "test-beta" {
		t.Errorf("anthropic-beta = %q, want test-beta", got)
	}

	wantSystem := "You are a coding agent.\n\nSummary of earlier work."
	if captured.body.System != wantSystem {
		t.Errorf("system = %q, want %q", captured.body.System, wantSystem)
	}
	if captured.body.Stream {
		t.Error("stream should be false for Complete")
	}

	// user, assistant, then both tool results merged into one user turn.
	if length := len(captured.body.Messages); length != 3 {
		t.Fatalf("messages = %d, want 3", length)
	}
	toolTurn := captured.body.Messages[2]
	if toolTurn.Role != "user" {
		t.Errorf("tool turn role = %q, want user", toolTurn.Role)
	}
	if length := len(toolTurn.Content); length != 2 {
		t.Fatalf("tool turn blocks = %d, want 2", length)
	}
	if toolTurn.Content[0].ToolUseID != "call_1" || toolTurn.Content[1].ToolUseID != "call_2" {
		t.Errorf("tool_use_ids = %q, %q", toolTurn.Content[0].ToolUseID, toolTurn.Content[1].ToolUseID)
	}
	if !toolTurn.Content[1].IsError {
		t.Error("second tool result should carry is_error")
	}
	if got := string(captured.body.Messages[1].Content[2].Input); got != "{}" {
		t.Errorf("truncated tool input replayed as %q, want {}", got)
	}

	if response.TextContent() != "done" {
		t.Errorf("TextContent = %q, want done", response.TextContent())
	}
	if !response.Usage.Reported || response.Usage.InputTokens != 100 || response.Usage.CacheReadTokens != 50 {
		t.Errorf("Usage = %+v", response.Usage)
	}
}

func TestAnthropicReasoningRequest(t *testing.T) {
	t.Parallel()

	temperature := 0.5
	wire := buildAnthropicRequest(Request{
		Model:           "claude-sonnet-4-5",
		MaxTokens:       1024,
		Temperature:     &temperature,
		ReasoningBudget: 2048,
		Messages: []Message{
			UserMessage("why?"),
			AssistantMessage(ReasoningBlock("unsigned", ""), TextBlock("because")),
			AssistantMessage(ReasoningBlock("signed", "sig")),
		},
	}, true)

	if wire.Thinking == nil || wire.Thinking.BudgetTokens != 2048 {
		t.Fatalf("Thinking = %+v, want budget 2048", wire.Thinking)
	}
	if wire.MaxTokens <= 2048 {
		t.Errorf("MaxTokens = %d, want above the thinking budget", wire.MaxTokens)
	}
	if wire.Temperature != nil {
		t.Error("temperature must be dropped when thinking is enabled")
	}
	// Both assistant messages merge; the unsigned thinking block is dropped.
	if length := len(wire.Messages); length != 2 {
		t.Fatalf("messages = %d, want 2", length)
	}
	assistant := wire.Messages[1].Content
	if length := len(assistant); length != 2 {
		t.Fatalf("assistant blocks = %d, want 2", length)
	}
	if assistant[0].Type != "text" || assistant[1].Type != "thinking" || assistant[1].Signature != "sig" {
		t.Errorf("assistant blocks = %+v", assistant)
	}
}

func TestAnthropicStream(t *testing.T) {
	t.Parallel()

	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writeSSE(t, writer, []string{
			sse("message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":120,"output_tokens":1}}}`),
			sse("content_block_start", `{"index":0,"content_block":{"type":"thinking","thinking":""}}`),
			sse("content_block_delta", `{"index":0,"delta":{"type":"thinking_delta","thinking":"Check /tmp."}}`),
			sse("content_block_delta", `{"index":0,"delta":{"type":"signature_delta","signature":"sig_1"}}`),
			sse("content_block_stop", `{"index":0}`),
			sse("ping", `{}`),
			sse("content_block_start", `{"index":1,"content_block":{"type":"text","text":""}}`),
			sse("content_block_delta", `{"index":1,"delta":{"type":"text_delta","text":"Listing"}}`),
			sse("content_block_delta", `{"index":1,"delta":{"type":"text_delta","text":" files."}}`),
			sse("content_block_stop", `{"index":1}`),
			sse("content_block_start", `{"index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"shell","input":{}}}`),
			sse("content_block_delta", `{"index":2,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`),
			sse("content_block_delta", `{"index":2,"delta":{"type":"input_json_delta","partial_json":"\"ls /tmp\"}"}}`),
			sse("content_block_stop", `{"index":2}`),
			sse("message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`),
			sse("message_stop", `{}`),
		})
	})

	stream, err := provider.Stream(context.Background(), Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages:  []Message{UserMessage("list files in /tmp")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events, err := drain(t, stream)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	var types []EventType
	var text string
	for _, event := range events {
		types = append(types, event.Type)
		if event.Type == EventTextDelta {
			text += event.Text
		}
	}
	wantTypes := []EventType{
		EventUsage,
		EventReasoningDelta, EventContentBlockDone,
		EventPing,
		EventTextDelta, EventTextDelta, EventContentBlockDone,
		EventContentBlockDone,
		EventUsage,
		EventDone,
	}
	if fmt.Sprint(types) != fmt.Sprint(wantTypes) {
		t.Errorf("event types = %v, want %v", types, wantTypes)
	}
	if text != "Listing files." {
		t.Errorf("text deltas = %q", text)
	}

	response := stream.Response()
	if response.StopReason != StopReasonToolUse {
		t.Errorf("StopReason = %q, want tool_use", response.StopReason)
	}
	if response.ReasoningContent() != "Check /tmp." {
		t.Errorf("ReasoningContent = %q", response.ReasoningContent())
	}
	uses := response.ToolUses()
	if len(uses) != 1 || uses[0].ID != "toolu_1" || string(uses[0].Input) != `{"cmd":"ls /tmp"}` {
		t.Errorf("ToolUses = %+v", uses)
	}
	if response.Usage.InputTokens != 120 || response.Usage.OutputTokens != 30 || !response.Usage.Reported {
		t.Errorf("Usage = %+v", response.Usage)
	}
}

func TestAnthropicStreamTruncated(t *testing.T) {
	t.Parallel()

	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writeSSE(t, writer, []string{
			sse("message_start", `{"message":{"model":"m","usage":{"input_tokens":1}}}`),
			sse("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
			sse("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"partial"}}`),
		})
	})

	stream, err := provider.Stream(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, err = drain(t, stream)
	if kind, _ := KindOf(err); kind != ErrorMalformedResponse {
		t.Fatalf("error = %v, want malformed_response", err)
	}
}

func TestAnthropicStreamBadPayload(t *testing.T) {
	t.Parallel()

	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writeSSE(t, writer, []string{sse("message_start", `{not json`)})
	})

	stream, err := provider.Stream(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, err = drain(t, stream)
	var providerError *ProviderError
	if !errors.As(err, &providerError) || providerError.Kind != ErrorMalformedResponse {
		t.Fatalf("error = %v, want malformed_response", err)
	}
	if !providerError.IsRetryable() {
		t.Error("malformed responses should be retryable")
	}
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	t.Parallel()

	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writeSSE(t, writer, []string{
			sse("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
		})
	})

	stream, err := provider.Stream(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()
	event, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Type != EventError {
		t.Fatalf("event.Type = %q, want error", event.Type)
	}
	var providerError *ProviderError
	if !errors.As(event.Error, &providerError) {
		t.Fatalf("event.Error = %T, want *ProviderError", event.Error)
	}
	if providerError.Kind != ErrorUnavailable || !providerError.IsOverloaded() {
		t.Errorf("kind = %q overloaded = %v", providerError.Kind, providerError.IsOverloaded())
	}
}

func TestAnthropicHTTPErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		wantKind   ErrorKind
		wantType   string
		wantDelay  time.Duration
	}{
		{"unauthorized", 401, "", `{"error":{"type":"authentication_error","message":"invalid x-api-key"}}`, ErrorAuth, "authentication_error", 0},
		{"forbidden", 403, "", `{"error":{"type":"permission_error","message":"no"}}`, ErrorAuth, "permission_error", 0},
		{"rate limited", 429, "2", `{"error":{"type":"rate_limit_error","message":"slow down"}}`, ErrorRateLimited, "rate_limit_error", 2 * time.Second},
		{"overloaded", 529, "", `{"error":{"type":"overloaded_error","message":"busy"}}`, ErrorUnavailable, "overloaded_error", 0},
		{"server error", 500, "", `internal`, ErrorUnavailable, "", 0},
		{"bad request", 400, "", `{"error":{"type":"invalid_request_error","message":"bad"}}`, ErrorInvalidRequest, "invalid_request_error", 0},
		{"too large", 413, "", `{"error":{"type":"request_too_large","message":"big"}}`, ErrorInvalidRequest, "request_too_large", 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
				if test.retryAfter != "" {
					writer.Header().Set("Retry-After", test.retryAfter)
				}
				writer.WriteHeader(test.status)
				fmt.Fprint(writer, test.body)
			})

			_, err := provider.Stream(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}})
			var providerError *ProviderError
			if !errors.As(err, &providerError) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if providerError.Kind != test.wantKind {
				t.Errorf("Kind = %q, want %q", providerError.Kind, test.wantKind)
			}
			if providerError.StatusCode != test.status {
				t.Errorf("StatusCode = %d, want %d", providerError.StatusCode, test.status)
			}
			if providerError.Type != test.wantType {
				t.Errorf("Type = %q, want %q", providerError.Type, test.wantType)
			}
			if providerError.RetryAfter != test.wantDelay {
				t.Errorf("RetryAfter = %v, want %v", providerError.RetryAfter, test.wantDelay)
			}
		})
	}
}

func TestAnthropicCompleteMalformedBody(t *testing.T) {
	t.Parallel()

	provider := anthropicTestServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		fmt.Fprint(writer, `{"content": [`)
	})

	_, err := provider.Complete(context.Background(), Request{Model: "m", Messages: []Message{UserMessage("hi")}})
	if kind, ok := KindOf(err); !ok || kind != ErrorMalformedResponse {
		t.Fatalf("error = %v, want malformed_response", err)
	}
}
