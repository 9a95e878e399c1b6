// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm provides a provider-agnostic interface for Large Language
// Model APIs with streaming and tool-use support.
//
// The primary abstraction is [Provider], which supports both blocking
// completion and streaming responses. Provider implementations translate
// between the common types in this package and each vendor's wire format.
// The set of dialects is closed:
//   - [Anthropic]: the Messages API (/v1/messages)
//   - [OpenAI]: the Chat Completions API and compatible servers
//
// Each adapter is constructed with an [Endpoint] carrying the fully
// expanded request URL and the headers that authenticate it. The
// adapters never read the environment; credential resolution belongs
// to the caller (see lib/catalog).
//
// Streaming uses Server-Sent Events (SSE), parsed by [SSEScanner].
// The [EventStream] type wraps a streaming response, yielding
// normalized [StreamEvent] values as they arrive while accumulating the
// complete [Response] internally.
//
// Failures are reported as [ProviderError] values whose [ErrorKind]
// separates credential problems, rate limiting, malformed responses,
// unavailability, and invalid requests, so callers can decide between
// retrying and aborting without inspecting status codes.
package llm
