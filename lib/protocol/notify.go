// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"

	"github.com/bureau-foundation/codeloop/lib/engine"
	"github.com/bureau-foundation/codeloop/lib/tool"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// Notification methods.
const (
	NotifyTurnStarted   = "turn/started"
	NotifyTurnState     = "turn/state"
	NotifyTurnDelta     = "turn/delta"
	NotifyTurnToolCall  = "turn/toolCall"
	NotifyTurnUsage     = "turn/usage"
	NotifyTurnCompacted = "turn/compacted"
	NotifyTurnCompleted = "turn/completed"
	NotifyTurnCancelled = "turn/cancelled"
	NotifyTurnError     = "turn/error"
)

type turnRef struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type stateParams struct {
	turnRef
	Step  int    `json:"step"`
	State string `json:"state"`
}

type deltaParams struct {
	turnRef
	Step int    `json:"step"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type toolCallParams struct {
	turnRef
	Step       int             `json:"step"`
	Phase      string          `json:"phase"`
	CallID     string          `json:"callId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     string          `json:"status,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      *ErrorBody      `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Abandoned  bool            `json:"abandoned,omitempty"`
}

type usageParams struct {
	turnRef
	Step      int         `json:"step"`
	Usage     usage.Usage `json:"usage"`
	TurnUsage usage.Usage `json:"turnUsage"`
}

type compactedParams struct {
	turnRef
	Step           int `json:"step"`
	MessagesBefore int `json:"messagesBefore"`
	MessagesAfter  int `json:"messagesAfter"`
	TokensBefore   int `json:"tokensBefore"`
	TokensAfter    int `json:"tokensAfter"`
}

type terminalParams struct {
	turnRef
	Final string      `json:"final,omitempty"`
	Usage usage.Usage `json:"usage"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// turnSink queues one turn's events on the connection that started
// it. The engine calls Emit from the turn's goroutine and the
// connection's single writer drains the queue, so events reach the
// wire in order without the turn waiting on the caller.
type turnSink struct {
	conn *Conn
}

func (sink *turnSink) Emit(event engine.Event) {
	method, params := notification(event)
	if method == "" {
		return
	}
	sink.conn.notify(method, params)
	switch event.Type {
	case engine.EventTurnCompleted, engine.EventTurnCancelled, engine.EventTurnFailed:
		sink.conn.removeTurn(event.TurnID)
	}
}

// notification maps an engine event to its wire form. Unknown event
// types map to an empty method and are dropped.
func notification(event engine.Event) (string, any) {
	ref := turnRef{ThreadID: event.ThreadID, TurnID: event.TurnID}
	switch event.Type {
	case engine.EventTurnStarted:
		return NotifyTurnStarted, ref
	case engine.EventStateChanged:
		return NotifyTurnState, stateParams{turnRef: ref, Step: event.Step, State: string(event.State)}
	case engine.EventContentDelta:
		return NotifyTurnDelta, deltaParams{turnRef: ref, Step: event.Step, Kind: "content", Text: event.Delta}
	case engine.EventReasoningDelta:
		return NotifyTurnDelta, deltaParams{turnRef: ref, Step: event.Step, Kind: "reasoning", Text: event.Delta}
	case engine.EventToolCallStarted, engine.EventToolCallCompleted, engine.EventToolCallRejected:
		return NotifyTurnToolCall, toolCall(ref, event)
	case engine.EventUsage:
		return NotifyTurnUsage, usageParams{turnRef: ref, Step: event.Step, Usage: event.Usage, TurnUsage: event.TurnUsage}
	case engine.EventCompacted:
		params := compactedParams{turnRef: ref, Step: event.Step}
		if compaction := event.Compaction; compaction != nil {
			params.MessagesBefore = compaction.MessagesBefore
			params.MessagesAfter = compaction.MessagesAfter
			params.TokensBefore = compaction.TokensBefore
			params.TokensAfter = compaction.TokensAfter
		}
		return NotifyTurnCompacted, params
	case engine.EventTurnCompleted:
		return NotifyTurnCompleted, terminalParams{turnRef: ref, Final: event.Final, Usage: event.TurnUsage}
	case engine.EventTurnCancelled:
		return NotifyTurnCancelled, terminalParams{turnRef: ref, Usage: event.TurnUsage}
	case engine.EventTurnFailed:
		return NotifyTurnError, terminalParams{turnRef: ref, Usage: event.TurnUsage, Error: engineErrorBody(event.Error)}
	}
	return "", nil
}

func toolCall(ref turnRef, event engine.Event) toolCallParams {
	params := toolCallParams{turnRef: ref, Step: event.Step}
	if call := event.Call; call != nil {
		params.CallID = call.ID
		params.Name = call.Name
		if json.Valid(call.Input) {
			params.Input = call.Input
		}
	}
	switch event.Type {
	case engine.EventToolCallStarted:
		params.Phase = "started"
	case engine.EventToolCallRejected:
		params.Phase = "rejected"
		params.Reason = event.Reason
	default:
		params.Phase = "completed"
		if result := event.Result; result != nil {
			params.Status = string(result.Status)
			params.Output = result.Output
			params.Error = toolErrorBody(result.Error)
			params.DurationMs = result.Duration().Milliseconds()
			params.Abandoned = result.Abandoned
		}
	}
	return params
}

func toolErrorBody(err *tool.Error) *ErrorBody {
	if err == nil {
		return nil
	}
	message := err.Message
	if message == "" && err.Err != nil {
		message = err.Err.Error()
	}
	return &ErrorBody{Kind: string(err.Kind), Message: message}
}
