// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/bureau-foundation/codeloop/lib/tool"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// State is a turn's position in its state machine.
type State string

const (
	StatePlanning     State = "planning"
	StateStreaming    State = "streaming"
	StateToolDispatch State = "tool_dispatch"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether the state ends the turn.
func (state State) Terminal() bool {
	return state == StateCompleted || state == StateCancelled || state == StateFailed
}

// EventType identifies an [Event].
type EventType string

const (
	EventTurnStarted       EventType = "turn_started"
	EventStateChanged      EventType = "state_changed"
	EventContentDelta      EventType = "content_delta"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallRejected  EventType = "tool_call_rejected"
	EventUsage             EventType = "usage"
	EventCompacted         EventType = "compacted"

	// Exactly one of the terminal events ends every turn, and nothing
	// follows it.
	EventTurnCompleted EventType = "turn_completed"
	EventTurnCancelled EventType = "turn_cancelled"
	EventTurnFailed    EventType = "turn_failed"
)

// Event is one step of a turn's progress. Fields beyond the ids are
// set according to Type.
type Event struct {
	Type     EventType
	ThreadID string
	TurnID   string

	// Step is the 1-based provider call the event belongs to, zero
	// for turn-level events.
	Step int

	// State is set on state_changed and on terminal events.
	State State

	// Delta is the text of content_delta and reasoning_delta.
	Delta string

	// Call is set on tool_call_* events; Result on tool_call_started
	// (status running) and tool_call_completed. Reason explains a
	// rejection.
	Call   *tool.Call
	Result *tool.Result
	Reason string

	// Usage is the step's usage on usage events. TurnUsage is the
	// running turn total on usage events and the final total on
	// terminal events.
	Usage     usage.Usage
	TurnUsage usage.Usage

	Compaction *Compaction

	// Final is the last assistant text on turn_completed.
	Final string

	Error *Error
}

// Compaction describes a history rewrite before a provider call.
type Compaction struct {
	MessagesBefore int
	MessagesAfter  int
	TokensBefore   int
	TokensAfter    int
}

// Sink receives a turn's events. Emit is called from the turn's
// goroutine only, in order, and must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Emit implements [Sink].
func (f SinkFunc) Emit(event Event) { f(event) }

// discard is used when a turn has no sink.
var discard = SinkFunc(func(Event) {})
