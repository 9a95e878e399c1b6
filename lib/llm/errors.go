// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies provider failures so callers can decide
// between retrying and aborting.
type ErrorKind string

const (
	// ErrorAuth is a missing or rejected credential. Never retried.
	ErrorAuth ErrorKind = "auth"

	// ErrorRateLimited is a 429 or an in-band rate_limit_error.
	ErrorRateLimited ErrorKind = "rate_limited"

	// ErrorMalformedResponse is a response body or stream payload that
	// could not be decoded, or a stream that ended early.
	ErrorMalformedResponse ErrorKind = "malformed_response"

	// ErrorUnavailable covers overload, 5xx, and transport failures.
	ErrorUnavailable ErrorKind = "unavailable"

	// ErrorInvalidRequest is a request the provider refused as
	// invalid (400, 404, 413, 422).
	ErrorInvalidRequest ErrorKind = "invalid_request"
)

// ProviderError is returned when the LLM API fails a request.
type ProviderError struct {
	Kind ErrorKind

	// StatusCode is the HTTP status code, or zero for failures
	// detected after the response started streaming.
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "invalid_request_error", "overloaded_error").
	Type string

	Message string

	// RetryAfter is the server's requested delay, parsed from the
	// Retry-After header. Zero when absent.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (err *ProviderError) Error() string {
	var prefix string
	if err.StatusCode != 0 {
		prefix = fmt.Sprintf("llm: %s (HTTP %d)", err.Kind, err.StatusCode)
	} else {
		prefix = fmt.Sprintf("llm: %s", err.Kind)
	}
	switch {
	case err.Type != "" && err.Message != "":
		return fmt.Sprintf("%s: %s: %s", prefix, err.Type, err.Message)
	case err.Message != "":
		return fmt.Sprintf("%s: %s", prefix, err.Message)
	case err.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, err.Err)
	default:
		return prefix
	}
}

func (err *ProviderError) Unwrap() error {
	return err.Err
}

// IsRetryable reports whether the same request may succeed later.
func (err *ProviderError) IsRetryable() bool {
	switch err.Kind {
	case ErrorRateLimited, ErrorUnavailable, ErrorMalformedResponse:
		return true
	}
	return false
}

// IsRateLimited returns true for rate limit failures.
func (err *ProviderError) IsRateLimited() bool {
	return err.Kind == ErrorRateLimited
}

// IsOverloaded returns true if the error is a server overload response (HTTP 529).
func (err *ProviderError) IsOverloaded() bool {
	return err.StatusCode == 529 || err.Type == "overloaded_error"
}

// KindOf returns the kind of the first [ProviderError] in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Kind, true
	}
	return "", false
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return ErrorInvalidRequest
	default:
		return ErrorUnavailable
	}
}

// kindForErrorType maps the in-band error type strings shared by
// Anthropic and OpenAI-style servers.
func kindForErrorType(errorType string) ErrorKind {
	switch errorType {
	case "authentication_error", "permission_error", "invalid_api_key":
		return ErrorAuth
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return ErrorRateLimited
	case "invalid_request_error", "not_found_error", "request_too_large":
		return ErrorInvalidRequest
	default:
		return ErrorUnavailable
	}
}

// malformed wraps a decoding failure.
func malformed(prefix string, err error) error {
	return &ProviderError{
		Kind:    ErrorMalformedResponse,
		Message: prefix,
		Err:     err,
	}
}

// readProviderError parses an error response body in the common provider
// error format used by Anthropic, OpenAI, and compatible APIs:
// {"error":{"type":"...","message":"..."}}. OpenAI's "code" is used as
// the type when "type" is absent.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	providerError := &ProviderError{
		Kind:       KindForStatus(httpResponse.StatusCode),
		StatusCode: httpResponse.StatusCode,
		RetryAfter: parseRetryAfter(httpResponse.Header.Get("Retry-After")),
	}

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		providerError.Type = wireError.Error.Type
		if providerError.Type == "" {
			if code, ok := wireError.Error.Code.(string); ok {
				providerError.Type = code
			}
		}
		providerError.Message = wireError.Error.Message
		return providerError
	}

	providerError.Message = string(body)
	return providerError
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if date, err := http.ParseTime(value); err == nil {
		if delay := time.Until(date); delay > 0 {
			return delay
		}
	}
	return 0
}
