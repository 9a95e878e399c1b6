// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestEventStreamAccumulates(t *testing.T) {
	t.Parallel()

	stream := SliceStream([]StreamEvent{
		{Type: EventTextDelta, Text: "hi"},
		{Type: EventContentBlockDone, ContentBlock: TextBlock("hi")},
		{Type: EventContentBlockDone, ContentBlock: ToolUseBlock("c1", "shell", nil)},
		{Type: EventUsage, Usage: Usage{InputTokens: 3, OutputTokens: 4, Reported: true}},
		{Type: EventDone},
	}, nil)

	count := 0
	for {
		_, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 5 {
		t.Errorf("events = %d, want 5", count)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after EOF = %v, want io.EOF", err)
	}

	response := stream.Response()
	if response.TextContent() != "hi" {
		t.Errorf("TextContent = %q", response.TextContent())
	}
	uses := response.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != "{}" {
		t.Errorf("ToolUses = %+v, want one call with empty object input", uses)
	}
	if response.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", response.Usage)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEventStreamTerminalError(t *testing.T) {
	t.Parallel()

	failure := &ProviderError{Kind: ErrorUnavailable, Message: "reset"}
	stream := SliceStream([]StreamEvent{{Type: EventPing}}, failure)
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := stream.Next(); !errors.Is(err, failure) {
		t.Fatalf("second Next = %v, want %v", err, failure)
	}
	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("Next after error = %v, want io.EOF", err)
	}
}

func TestProviderErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{401, ErrorAuth, false},
		{403, ErrorAuth, false},
		{429, ErrorRateLimited, true},
		{400, ErrorInvalidRequest, false},
		{404, ErrorInvalidRequest, false},
		{422, ErrorInvalidRequest, false},
		{500, ErrorUnavailable, true},
		{503, ErrorUnavailable, true},
		{529, ErrorUnavailable, true},
	}
	for _, test := range tests {
		kind := KindForStatus(test.status)
		if kind != test.kind {
			t.Errorf("KindForStatus(%d) = %q, want %q", test.status, kind, test.kind)
		}
		err := &ProviderError{Kind: kind, StatusCode: test.status}
		if err.IsRetryable() != test.retryable {
			t.Errorf("status %d IsRetryable = %v, want %v", test.status, err.IsRetryable(), test.retryable)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter("1.5"); got != 1500*time.Millisecond {
		t.Errorf("parseRetryAfter(1.5) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("parseRetryAfter(\"\") = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("parseRetryAfter(soon) = %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Hour {
		t.Errorf("parseRetryAfter(date) = %v, want within the hour", got)
	}
}
