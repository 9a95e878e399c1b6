// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/codeloop/lib/llm"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/store"
	"github.com/bureau-foundation/codeloop/lib/tool"
)

// Kind is the caller-visible error taxonomy. Turn failures, protocol
// error responses, and failed tool results all carry one.
type Kind string

const (
	KindProviderAuth              Kind = "provider_auth"
	KindProviderRateLimited       Kind = "provider_rate_limited"
	KindProviderMalformedResponse Kind = "provider_malformed_response"
	KindProviderUnavailable       Kind = "provider_unavailable"
	KindProviderInvalidRequest    Kind = "provider_invalid_request"
	KindToolNotPermitted          Kind = "tool_not_permitted"
	KindToolExecution             Kind = "tool_execution"
	KindCompactionImpossible      Kind = "compaction_impossible"
	KindStoreWriteConflict        Kind = "store_write_conflict"
	KindNotFound                  Kind = "not_found"
	KindTimeout                   Kind = "timeout"
	KindCancelled                 Kind = "cancelled"
	KindInternal                  Kind = "internal"
)

// Retryable reports whether resubmitting the same input may succeed.
func (kind Kind) Retryable() bool {
	switch kind {
	case KindProviderRateLimited, KindProviderUnavailable, KindProviderMalformedResponse,
		KindStoreWriteConflict, KindTimeout:
		return true
	}
	return false
}

// ErrIdleTimeout is the cause of a turn that made no progress within
// the configured idle timeout.
var ErrIdleTimeout = errors.New("no progress within idle timeout")

// Error is a classified turn failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (err *Error) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("engine: %s: %s", err.Kind, err.Message)
	}
	if err.Err != nil {
		return fmt.Sprintf("engine: %s: %v", err.Kind, err.Err)
	}
	return "engine: " + string(err.Kind)
}

func (err *Error) Unwrap() error { return err.Err }

// Retryable reports whether the failure is transient.
func (err *Error) Retryable() bool { return err.Kind.Retryable() }

// Classify wraps err as an *Error, keeping an existing classification.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Err: err}
}

// KindOf maps any error onto the taxonomy. Unrecognized errors are
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if providerKind, ok := llm.KindOf(err); ok {
		switch providerKind {
		case llm.ErrorAuth:
			return KindProviderAuth
		case llm.ErrorRateLimited:
			return KindProviderRateLimited
		case llm.ErrorMalformedResponse:
			return KindProviderMalformedResponse
		case llm.ErrorUnavailable:
			return KindProviderUnavailable
		case llm.ErrorInvalidRequest:
			return KindProviderInvalidRequest
		}
	}
	var toolError *tool.Error
	if errors.As(err, &toolError) {
		switch toolError.Kind {
		case tool.KindNotPermitted:
			return KindToolNotPermitted
		case tool.KindCancelled:
			return KindCancelled
		default:
			return KindToolExecution
		}
	}
	switch {
	case errors.Is(err, llmcontext.ErrCompactionImpossible):
		return KindCompactionImpossible
	case errors.Is(err, store.ErrWriteConflict):
		return KindStoreWriteConflict
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}
