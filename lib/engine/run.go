// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/codeloop/lib/llm"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/tool"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// run is the state of one executing turn. Only the goroutine in
// Engine.Run touches it.
type run struct {
	engine  *Engine
	turn    Turn
	history []llm.Message
	tracker *usage.Tracker
	seenIDs map[string]bool
	state   State
	step    int
	logger  *slog.Logger
}

func (r *run) emit(event Event) {
	event.ThreadID = r.turn.ThreadID
	event.TurnID = r.turn.TurnID
	r.turn.Sink.Emit(event)
}

func (r *run) setState(state State) {
	if r.state == state {
		return
	}
	r.state = state
	r.emit(Event{Type: EventStateChanged, Step: r.step, State: state})
}

// durable returns a context for commits: still carrying ctx's values
// but not its cancellation, so a cancelled turn can persist what it
// has.
func durable(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (r *run) execute(ctx context.Context) Outcome {
	r.emit(Event{Type: EventTurnStarted})
	r.setState(StatePlanning)
	r.logger.Info("turn started",
		"model", r.turn.Model.ID,
		"agent", r.agentID(),
		"history_messages", len(r.history),
	)

	input := r.turn.Input
	if input.Timestamp.IsZero() {
		input.Timestamp = r.engine.clock.Now()
	}
	if err := r.turn.Committer.Append(durable(ctx), input); err != nil {
		return r.fail(ctx, fmt.Errorf("committing user message: %w", err))
	}
	r.history = append(r.history, input)

	for r.step = 1; r.step <= r.engine.maxSteps; r.step++ {
		if ctx.Err() != nil {
			return r.cancelled(ctx)
		}

		r.setState(StatePlanning)
		if err := r.compact(ctx); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx)
			}
			return r.fail(ctx, err)
		}
		request := r.buildRequest()

		r.setState(StateStreaming)
		response, err := r.stream(ctx, request)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx)
			}
			return r.fail(ctx, err)
		}
		r.recordUsage(request, response)

		assistant, calls := r.acceptToolCalls(response.Content)
		if len(calls) == 0 {
			r.setState(StateFinalizing)
			if len(assistant.Content) > 0 {
				if err := r.commit(ctx, assistant); err != nil {
					return r.fail(ctx, err)
				}
			}
			return r.complete(ctx, assistant.Text())
		}

		r.setState(StateToolDispatch)
		results := r.dispatch(ctx, calls)
		messages := make([]llm.Message, 0, len(results)+1)
		messages = append(messages, assistant)
		for _, result := range results {
			message := result.Message()
			message.Timestamp = result.EndedAt
			messages = append(messages, message)
		}
		if err := r.commit(ctx, messages...); err != nil {
			return r.fail(ctx, err)
		}
		if ctx.Err() != nil {
			return r.cancelled(ctx)
		}
	}

	return r.fail(ctx, &Error{
		Kind:    KindInternal,
		Message: fmt.Sprintf("turn exceeded %d provider calls", r.engine.maxSteps),
	})
}

func (r *run) agentID() string {
	if r.turn.Agent == nil {
		return ""
	}
	return r.turn.Agent.ID
}

func (r *run) commit(ctx context.Context, messages ...llm.Message) error {
	if err := r.turn.Committer.Append(durable(ctx), messages...); err != nil {
		return fmt.Errorf("committing step %d: %w", r.step, err)
	}
	r.history = append(r.history, messages...)
	return nil
}

// compact fits the history to the model's budget, persisting the
// result when anything changed.
func (r *run) compact(ctx context.Context) error {
	if r.turn.Compactor == nil {
		return nil
	}
	budget := llmcontext.Budget{
		ContextWindow:   r.turn.Model.ContextWindow(),
		MaxOutputTokens: r.engine.maxOutputTokens,
		OverheadTokens:  r.engine.overheadTokens,
	}.MessageTokenBudget()
	before := r.engine.tokenEstimator.EstimateTokens(r.history)
	if before <= budget {
		return nil
	}

	compacted, err := r.turn.Compactor.Compact(ctx, r.history, budget)
	if err != nil {
		return err
	}
	if sameHistory(compacted, r.history) {
		return nil
	}
	if err := r.turn.Committer.Rewrite(durable(ctx), compacted); err != nil {
		return fmt.Errorf("committing compacted history: %w", err)
	}
	after := r.engine.tokenEstimator.EstimateTokens(compacted)
	r.logger.Info("history compacted",
		"step", r.step,
		"messages_before", len(r.history),
		"messages_after", len(compacted),
		"tokens_before", before,
		"tokens_after", after,
		"budget", budget,
	)
	r.emit(Event{Type: EventCompacted, Step: r.step, Compaction: &Compaction{
		MessagesBefore: len(r.history),
		MessagesAfter:  len(compacted),
		TokensBefore:   before,
		TokensAfter:    after,
	}})
	r.history = compacted
	return nil
}

// sameHistory reports whether a compactor returned its input.
func sameHistory(a, b []llm.Message) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

func (r *run) buildRequest() llm.Request {
	messages := make([]llm.Message, len(r.history))
	for index, message := range r.history {
		messages[index] = withAttachments(message)
	}
	request := llm.Request{
		Model:     r.turn.Model.ID,
		System:    r.turn.System,
		Messages:  messages,
		MaxTokens: r.engine.maxOutputTokens,
	}
	if r.turn.Model.SupportsTools {
		for _, definition := range r.engine.executor.Registry().Definitions(r.allowed) {
			request.Tools = append(request.Tools, definition.LLM())
		}
	}
	if agent := r.turn.Agent; agent != nil && agent.Reasoning && r.turn.Model.Reasoning {
		request.ReasoningBudget = agent.ReasoningBudget
	}
	return request
}

// allowed is the agent's tool allow-list. A turn without an agent may
// use every registered tool.
func (r *run) allowed(name string) bool {
	if r.turn.Agent == nil {
		return true
	}
	return r.turn.Agent.Allows(name)
}

// withAttachments names a message's attached files in an extra text
// block so the model knows to read them. The stored message is left
// as is.
func withAttachments(message llm.Message) llm.Message {
	if len(message.Files) == 0 {
		return message
	}
	var builder strings.Builder
	builder.WriteString("Attached files:")
	for _, path := range message.Files {
		builder.WriteString("\n- ")
		builder.WriteString(path)
	}
	content := make([]llm.ContentBlock, 0, len(message.Content)+1)
	content = append(content, message.Content...)
	content = append(content, llm.TextBlock(builder.String()))
	message.Content = content
	return message
}

// stream runs one step's provider call, retrying transient failures
// that happened before any output was forwarded.
func (r *run) stream(ctx context.Context, request llm.Request) (llm.Response, error) {
	for attempt := 1; ; attempt++ {
		response, forwarded, err := r.attempt(ctx, request)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return response, context.Cause(ctx)
		}
		delay, retry := r.engine.retry.decide(err, attempt, forwarded)
		if !retry {
			return response, err
		}
		r.logger.Warn("provider call failed, retrying",
			"step", r.step,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, r.engine.clock, delay); err != nil {
			return response, err
		}
	}
}

type pumped struct {
	event llm.StreamEvent
	err   error
}

// attempt makes one provider call and forwards its deltas. forwarded
// reports whether any delta reached the sink.
func (r *run) attempt(ctx context.Context, request llm.Request) (llm.Response, bool, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stream, err := r.turn.Provider.Stream(attemptCtx, request)
	if err != nil {
		return llm.Response{}, false, err
	}
	defer stream.Close()

	events := make(chan pumped)
	go func() {
		for {
			event, err := stream.Next()
			select {
			case events <- pumped{event: event, err: err}:
			case <-attemptCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := r.engine.clock.NewTimer(r.engine.idleTimeout)
	defer idle.Stop()

	forwarded := false
	for {
		select {
		case <-ctx.Done():
			return stream.Response(), forwarded, context.Cause(ctx)

		case <-idle.C:
			cancel(ErrIdleTimeout)
			r.logger.Warn("provider idle timeout", "step", r.step, "idle_timeout", r.engine.idleTimeout)
			return stream.Response(), forwarded, &Error{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("no progress from provider for %s", r.engine.idleTimeout),
				Err:     ErrIdleTimeout,
			}

		case item := <-events:
			if ctx.Err() != nil {
				return stream.Response(), forwarded, context.Cause(ctx)
			}
			idle.Reset(r.engine.idleTimeout)
			if errors.Is(item.err, io.EOF) {
				return stream.Response(), forwarded, nil
			}
			if item.err != nil {
				return stream.Response(), forwarded, item.err
			}
			switch item.event.Type {
			case llm.EventTextDelta:
				forwarded = true
				r.emit(Event{Type: EventContentDelta, Step: r.step, Delta: item.event.Text})
			case llm.EventReasoningDelta:
				forwarded = true
				r.emit(Event{Type: EventReasoningDelta, Step: r.step, Delta: item.event.Text})
			case llm.EventError:
				if item.event.Error != nil {
					return stream.Response(), forwarded, item.event.Error
				}
			}
		}
	}
}

// recordUsage prices the step and publishes it. Unreported usage is
// estimated and tagged Approx.
func (r *run) recordUsage(request llm.Request, response llm.Response) {
	step := r.tracker.Record(usage.ForStep(r.engine.estimator, request, response))
	if response.Usage.Reported {
		r.engine.tokenEstimator.RecordUsage(request.Messages, step.Prompt.Value())
	}
	r.emit(Event{Type: EventUsage, Step: r.step, Usage: step, TurnUsage: r.tracker.Turn()})
}

// acceptToolCalls builds the assistant message for a step and the
// calls to dispatch. Calls without an id get one. A call whose id was
// already seen in this turn is rejected and removed from the message,
// so the committed history only holds calls that get results.
func (r *run) acceptToolCalls(content []llm.ContentBlock) (llm.Message, []tool.Call) {
	assistant := llm.Message{Role: llm.RoleAssistant, Timestamp: r.engine.clock.Now()}
	var calls []tool.Call
	for _, block := range content {
		if block.Type != llm.ContentToolUse || block.ToolUse == nil {
			assistant.Content = append(assistant.Content, block)
			continue
		}
		use := *block.ToolUse
		if use.ID == "" {
			use.ID = "call_" + uuid.NewString()
		}
		call := tool.Call{ID: use.ID, Name: use.Name, Input: use.Input}
		if r.seenIDs[use.ID] {
			r.logger.Warn("duplicate tool call id rejected", "step", r.step, "call_id", use.ID, "tool_name", use.Name)
			r.emit(Event{
				Type:   EventToolCallRejected,
				Step:   r.step,
				Call:   &call,
				Reason: fmt.Sprintf("duplicate tool call id %q", use.ID),
			})
			continue
		}
		r.seenIDs[use.ID] = true
		assistant.Content = append(assistant.Content, llm.ToolUseBlock(use.ID, use.Name, use.Input))
		calls = append(calls, call)
	}
	return assistant, calls
}

// dispatch runs calls and returns their terminal results in dispatch
// order. On cancellation the executor stops unstarted calls and
// abandons running ones after its grace period; any call still
// without a result gets a synthesized cancelled one.
func (r *run) dispatch(ctx context.Context, calls []tool.Call) []tool.Result {
	options := tool.Options{
		Parallel: r.turn.Model.ParallelToolCalls,
		Allowed:  r.allowed,
	}
	byID := make(map[string]tool.Result, len(calls))
	for result := range r.engine.executor.ExecuteBatch(ctx, calls, options) {
		call := callFor(calls, result.CallID)
		if !result.Terminal() {
			r.emit(Event{Type: EventToolCallStarted, Step: r.step, Call: &call, Result: &result})
			continue
		}
		byID[result.CallID] = result
		r.emit(Event{Type: EventToolCallCompleted, Step: r.step, Call: &call, Result: &result})
	}

	results := make([]tool.Result, 0, len(calls))
	for _, call := range calls {
		result, ok := byID[call.ID]
		if !ok {
			now := r.engine.clock.Now()
			result = tool.Result{
				CallID:    call.ID,
				Name:      call.Name,
				Status:    tool.StatusFailed,
				Error:     &tool.Error{Kind: tool.KindCancelled, Message: "cancelled"},
				StartedAt: now,
				EndedAt:   now,
			}
		}
		results = append(results, result)
	}
	return results
}

func callFor(calls []tool.Call, id string) tool.Call {
	for _, call := range calls {
		if call.ID == id {
			return call
		}
	}
	return tool.Call{ID: id}
}

func (r *run) complete(ctx context.Context, final string) Outcome {
	turnUsage := r.tracker.Turn()
	if err := r.turn.Committer.Record(durable(ctx), StateCompleted, turnUsage); err != nil {
		return r.failRecorded(&Error{Kind: KindOf(err), Message: "recording turn: " + err.Error(), Err: err})
	}
	r.state = StateCompleted
	r.logger.Info("turn completed",
		"steps", r.step,
		"total_tokens", turnUsage.Total.String(),
		"cost", turnUsage.Cost,
	)
	r.emit(Event{Type: EventTurnCompleted, Step: r.step, State: StateCompleted, TurnUsage: turnUsage, Final: final})
	return Outcome{State: StateCompleted, Usage: turnUsage, Steps: r.step}
}

func (r *run) cancelled(ctx context.Context) Outcome {
	turnUsage := r.tracker.Turn()
	if err := r.turn.Committer.Record(durable(ctx), StateCancelled, turnUsage); err != nil {
		r.logger.Error("recording cancelled turn failed", "error", err)
	}
	r.state = StateCancelled
	r.logger.Info("turn cancelled", "step", r.step, "cause", context.Cause(ctx))
	r.emit(Event{Type: EventTurnCancelled, Step: r.step, State: StateCancelled, TurnUsage: turnUsage})
	return Outcome{State: StateCancelled, Usage: turnUsage, Steps: r.step}
}

func (r *run) fail(ctx context.Context, err error) Outcome {
	classified := Classify(err)
	if recordErr := r.turn.Committer.Record(durable(ctx), StateFailed, r.tracker.Turn()); recordErr != nil {
		r.logger.Error("recording failed turn failed", "error", recordErr)
	}
	return r.failRecorded(classified)
}

func (r *run) failRecorded(failure *Error) Outcome {
	turnUsage := r.tracker.Turn()
	r.state = StateFailed
	r.logger.Warn("turn failed",
		"step", r.step,
		"kind", failure.Kind,
		"retryable", failure.Retryable(),
		"error", failure.Message,
	)
	r.emit(Event{Type: EventTurnFailed, Step: r.step, State: StateFailed, TurnUsage: turnUsage, Error: failure})
	return Outcome{State: StateFailed, Usage: turnUsage, Steps: r.step, Err: failure}
}
