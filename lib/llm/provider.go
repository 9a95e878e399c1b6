// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Provider is the interface for LLM API backends. Implementations
// translate between the common types in this package and each
// vendor's wire format.
type Provider interface {
	// Complete sends a request and blocks until the full response
	// is available. Use this when streaming is not needed.
	Complete(ctx context.Context, request Request) (*Response, error)

	// Stream sends a request and returns an [EventStream] that yields
	// events as they arrive. The caller must call [EventStream.Close]
	// when done, even if iteration ended early.
	Stream(ctx context.Context, request Request) (*EventStream, error)
}

// Endpoint is where and how a provider is reached: the fully expanded
// request URL and the headers (credentials included) sent with every
// request.
type Endpoint struct {
	URL    string
	Header http.Header
}

// nextFunc is the iteration function for an EventStream. Returns
// io.EOF when the stream is complete.
type nextFunc func() (StreamEvent, error)

// EventStream reads streaming events from an LLM response. It yields
// [StreamEvent] values via [Next] while accumulating the complete
// [Response] internally. After Next returns [io.EOF], call [Response]
// to retrieve the accumulated result.
//
// Next is not safe for concurrent use. Response may be read from
// another goroutine.
type EventStream struct {
	next     nextFunc
	closer   io.Closer
	response Response
	mutex    sync.Mutex
	done     bool
	closed   sync.Once
}

// NewEventStream creates an EventStream from a provider-specific
// iteration function and an io.Closer for the underlying resource
// (typically the HTTP response body). closer may be nil.
func NewEventStream(next nextFunc, closer io.Closer) *EventStream {
	return &EventStream{
		next:   next,
		closer: closer,
	}
}

// Next returns the next event from the stream. Returns io.EOF when
// the stream is complete. Any other error ends the stream.
func (stream *EventStream) Next() (StreamEvent, error) {
	if stream.done {
		return StreamEvent{}, io.EOF
	}

	event, err := stream.next()
	if err != nil {
		stream.done = true
		return event, err
	}

	stream.accumulate(event)
	return event, nil
}

// Response returns the accumulated response. Before [Next] has
// returned io.EOF it holds whatever has been accumulated so far.
func (stream *EventStream) Response() Response {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	response := stream.response
	response.Content = append([]ContentBlock(nil), stream.response.Content...)
	return response
}

// Close releases the underlying resources. Safe to call more than
// once and from a goroutine other than the one calling Next; closing
// the body unblocks a pending read.
func (stream *EventStream) Close() error {
	var err error
	stream.closed.Do(func() {
		if stream.closer != nil {
			err = stream.closer.Close()
		}
	})
	return err
}

func (stream *EventStream) accumulate(event StreamEvent) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()

	switch event.Type {
	case EventContentBlockDone:
		stream.response.Content = append(stream.response.Content, event.ContentBlock)
	case EventUsage:
		stream.response.Usage = event.Usage
	}
}

func (stream *EventStream) setStopReason(reason StopReason) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.StopReason = reason
}

func (stream *EventStream) setModel(model string) {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	stream.response.Model = model
}

func (stream *EventStream) usage() Usage {
	stream.mutex.Lock()
	defer stream.mutex.Unlock()
	return stream.response.Usage
}

// SliceStream returns an EventStream that replays events, then
// returns err (io.EOF when err is nil). Usage and ContentBlockDone
// events accumulate into the response as they would from a live
// provider. Intended for fakes and tests.
func SliceStream(events []StreamEvent, err error) *EventStream {
	position := 0
	return NewEventStream(func() (StreamEvent, error) {
		if position < len(events) {
			event := events[position]
			position++
			return event, nil
		}
		if err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{}, io.EOF
	}, nil)
}

// doProviderRequest marshals wireRequest as JSON, POSTs it to the
// endpoint via httpClient, and returns the HTTP response. Returns a
// [ProviderError] for non-200 status codes and transport failures.
//
// On success the caller is responsible for closing the response body.
// On error the body is already closed.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint Endpoint, wireRequest any, prefix string, streaming bool, extraHeaders map[string]string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	for name, values := range endpoint.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}
	for name, value := range extraHeaders {
		httpRequest.Header.Set(name, value)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: sending request: %w", prefix, context.Cause(ctx))
		}
		return nil, &ProviderError{
			Kind:    ErrorUnavailable,
			Message: prefix + ": sending request",
			Err:     err,
		}
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}

	return httpResponse, nil
}

// wireResponse is implemented by pointer-to-struct types that can
// convert themselves from JSON wire format to the common Response.
type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

// decodeResponse reads an HTTP response body as JSON into a
// provider-specific wire response type and converts it to the common
// Response. The HTTP response body is closed when this function returns.
func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, prefix string) (*Response, error) {
	defer httpResponse.Body.Close()

	wireResp := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(wireResp); err != nil {
		return nil, malformed(prefix+": decoding response", err)
	}

	return wireResp.toResponse(), nil
}

// readFailure classifies an error from reading a streaming body.
// Reads fail with the context's error once the request context is
// done; those pass through so callers see cancellation, not a
// provider fault.
func readFailure(ctx context.Context, prefix string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: reading SSE: %w", prefix, err)
	}
	return &ProviderError{
		Kind:    ErrorUnavailable,
		Message: prefix + ": reading SSE",
		Err:     err,
	}
}
