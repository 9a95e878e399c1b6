// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/engine"
	"github.com/bureau-foundation/codeloop/lib/thread"
)

// Request is a caller-to-server message. A request without an id is
// handled but not answered.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// Notification is a server-to-caller message without an id.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// ErrorBody is the wire form of a failure. Kind is one of the engine's
// error kinds or one of the protocol kinds below.
type ErrorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Protocol-level error kinds.
const (
	KindInvalidRequest = "invalid_request"
	KindMethodNotFound = "method_not_found"
	KindShuttingDown   = "shutting_down"
)

// Error is a failure with an explicit protocol kind.
type Error struct {
	Kind    string
	Message string
}

func (err *Error) Error() string { return err.Kind + ": " + err.Message }

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// errorBody classifies err for the wire.
func errorBody(err error) *ErrorBody {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return &ErrorBody{Kind: protocolErr.Kind, Message: protocolErr.Message}
	}
	switch {
	case errors.Is(err, agentdef.ErrUnknownAgent),
		errors.Is(err, catalog.ErrUnknownModel),
		errors.Is(err, catalog.ErrUnknownProvider),
		errors.Is(err, thread.ErrTurnNotActive):
		return &ErrorBody{Kind: string(engine.KindNotFound), Message: err.Error()}
	case errors.Is(err, thread.ErrEmptyMessage), errors.Is(err, thread.ErrDuplicateTurn):
		return &ErrorBody{Kind: KindInvalidRequest, Message: err.Error()}
	case errors.Is(err, thread.ErrShuttingDown):
		return &ErrorBody{Kind: KindShuttingDown, Message: err.Error()}
	}
	classified := engine.Classify(err)
	return engineErrorBody(classified)
}

func engineErrorBody(err *engine.Error) *ErrorBody {
	if err == nil {
		return nil
	}
	return &ErrorBody{Kind: string(err.Kind), Message: err.Message, Retryable: err.Retryable()}
}

// decodeParams unmarshals params into target and validates it when it
// implements validation.Validatable. Absent params decode as {}.
func decodeParams(params json.RawMessage, target any) error {
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, target); err != nil {
			return invalidRequest("decoding params: %v", err)
		}
	}
	if validatable, ok := target.(validation.Validatable); ok {
		if err := validatable.Validate(); err != nil {
			return invalidRequest("%v", err)
		}
	}
	return nil
}
