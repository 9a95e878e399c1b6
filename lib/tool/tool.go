// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// SideEffect declares whether a tool changes state outside the call.
// Mutating calls are dispatch barriers: the executor never runs them
// concurrently with anything else.
type SideEffect string

const (
	ReadOnly SideEffect = "read_only"
	Mutating SideEffect = "mutating"
)

// Definition describes a tool to the registry and the model.
type Definition struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema object for the tool's input.
	InputSchema json.RawMessage

	SideEffect SideEffect
}

// LLM returns the provider-facing form of the definition.
func (definition Definition) LLM() llm.ToolDefinition {
	schema := definition.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return llm.ToolDefinition{
		Name:        definition.Name,
		Description: definition.Description,
		InputSchema: schema,
	}
}

// Tool is an invocable capability. Run must honor ctx cancellation;
// a tool that ignores it is abandoned after the executor's grace
// period. The returned string is what the model sees. A non-nil error
// becomes a failed result whose message the model sees instead.
type Tool interface {
	Definition() Definition
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// Func adapts a function to [Tool].
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, input json.RawMessage) (string, error)
}

// Definition implements [Tool].
func (f Func) Definition() Definition { return f.Def }

// Run implements [Tool].
func (f Func) Run(ctx context.Context, input json.RawMessage) (string, error) {
	return f.Fn(ctx, input)
}

// Status is the lifecycle state of a call. A call is terminal once
// its status leaves StatusRunning.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	// KindNotPermitted means the active agent may not use the tool.
	KindNotPermitted ErrorKind = "tool_not_permitted"

	// KindExecution covers unknown tools, invalid input, tool errors,
	// and recovered panics.
	KindExecution ErrorKind = "tool_execution"

	// KindCancelled means the turn was cancelled before or while the
	// call ran.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the failure payload of a [Result]. Tools may return an
// *Error from Run to choose the kind; any other error is wrapped as
// KindExecution.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (err *Error) Error() string {
	if err.Message != "" {
		return fmt.Sprintf("tool: %s: %s", err.Kind, err.Message)
	}
	if err.Err != nil {
		return fmt.Sprintf("tool: %s: %v", err.Kind, err.Err)
	}
	return "tool: " + string(err.Kind)
}

func (err *Error) Unwrap() error { return err.Err }

// Errorf returns an execution error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Kind: KindExecution, Message: fmt.Sprintf(format, args...)}
}

// asError converts a Run error into an *Error.
func asError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Message: "cancelled", Err: err}
	}
	return &Error{Kind: KindExecution, Message: err.Error(), Err: err}
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result reports on a [Call]. ExecuteBatch sends one running result
// when a call starts and one terminal result when it ends.
type Result struct {
	CallID string
	Name   string
	Status Status
	Output string
	Error  *Error

	StartedAt time.Time
	EndedAt   time.Time

	// Abandoned is set when the call ignored cancellation past the
	// grace period. Its goroutine may still be running.
	Abandoned bool
}

// Terminal reports whether the result is final.
func (result Result) Terminal() bool {
	return result.Status != StatusRunning
}

// Content is what the model sees for this result.
func (result Result) Content() string {
	if result.Error == nil {
		return result.Output
	}
	message := result.Error.Message
	if message == "" && result.Error.Err != nil {
		message = result.Error.Err.Error()
	}
	if result.Output != "" {
		return result.Output + "\n" + message
	}
	return message
}

// Message returns the tool message answering the call.
func (result Result) Message() llm.Message {
	return llm.ToolMessage(result.CallID, result.Content(), result.Status != StatusCompleted)
}

// Duration returns the wall time between start and end.
func (result Result) Duration() time.Duration {
	if result.EndedAt.IsZero() {
		return 0
	}
	return result.EndedAt.Sub(result.StartedAt)
}
