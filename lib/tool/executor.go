// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/codeloop/lib/clock"
)

const (
	defaultMaxConcurrency = 4
	defaultGracePeriod    = 2 * time.Second
)

// ExecutorConfig configures an [Executor].
type ExecutorConfig struct {
	Registry *Registry

	// MaxConcurrency caps tool calls running at once across every
	// turn sharing the executor. Zero means 4.
	MaxConcurrency int

	// GracePeriod is how long a cancelled call may keep running
	// before it is abandoned. Zero means 2s.
	GracePeriod time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Executor runs tool calls with a global concurrency cap, an
// allow-list check, panic recovery, and bounded cancellation.
type Executor struct {
	registry    *Registry
	slots       *semaphore.Weighted
	gracePeriod time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// NewExecutor returns an executor over config.Registry.
func NewExecutor(config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultMaxConcurrency
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaultGracePeriod
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	return &Executor{
		registry:    config.Registry,
		slots:       semaphore.NewWeighted(int64(config.MaxConcurrency)),
		gracePeriod: config.GracePeriod,
		clock:       config.Clock,
		logger:      config.Logger,
	}
}

// Registry returns the registry the executor dispatches to.
func (executor *Executor) Registry() *Registry { return executor.registry }

// Options controls one batch.
type Options struct {
	// Parallel allows consecutive read-only calls to run concurrently.
	// Without it every call runs alone, in emission order.
	Parallel bool

	// Allowed reports whether the active agent may call a tool. Nil
	// allows every registered tool.
	Allowed func(name string) bool
}

// Execute runs a single call to completion and returns its terminal
// result.
func (executor *Executor) Execute(ctx context.Context, call Call, options Options) Result {
	return executor.run(ctx, call, options, nil)
}

// ExecuteBatch dispatches calls and streams results back as they
// happen: a StatusRunning result when a call starts and a terminal
// result when it ends. Every call gets exactly one terminal result.
// The channel is closed after the last one. Results arrive in
// completion order; callers needing dispatch order reassemble by
// CallID.
//
// With options.Parallel, each run of consecutive read-only calls runs
// concurrently and every mutating call runs alone after everything
// before it has finished. Calls that cannot run (unknown tool, not
// permitted) never hold up the schedule.
//
// Once ctx is cancelled, calls not yet started get a cancelled result
// without running.
func (executor *Executor) ExecuteBatch(ctx context.Context, calls []Call, options Options) <-chan Result {
	results := make(chan Result, 2*len(calls))
	go func() {
		defer close(results)
		send := func(result Result) { results <- result }

		if !options.Parallel {
			for _, call := range calls {
				send(executor.run(ctx, call, options, send))
			}
			return
		}
		for _, segment := range executor.segments(calls) {
			if len(segment) == 1 {
				send(executor.run(ctx, segment[0], options, send))
				continue
			}
			var group sync.WaitGroup
			for _, call := range segment {
				group.Go(func() {
					send(executor.run(ctx, call, options, send))
				})
			}
			group.Wait()
		}
	}()
	return results
}

// segments splits calls into dispatch groups: maximal runs of
// read-only calls, and single mutating calls.
func (executor *Executor) segments(calls []Call) [][]Call {
	var segments [][]Call
	var current []Call
	for _, call := range calls {
		if executor.sideEffect(call.Name) == Mutating {
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
			segments = append(segments, []Call{call})
			continue
		}
		current = append(current, call)
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

// sideEffect treats unknown tools as read-only; they fail without
// running, so they need no barrier.
func (executor *Executor) sideEffect(name string) SideEffect {
	if tool, ok := executor.registry.Lookup(name); ok {
		return tool.Definition().SideEffect
	}
	return ReadOnly
}

// run executes one call. started, when non-nil, receives the running
// result once the call actually begins.
func (executor *Executor) run(ctx context.Context, call Call, options Options, started func(Result)) Result {
	result := Result{CallID: call.ID, Name: call.Name}
	fail := func(kind ErrorKind, message string) Result {
		now := executor.clock.Now()
		if result.StartedAt.IsZero() {
			result.StartedAt = now
		}
		result.EndedAt = now
		result.Status = StatusFailed
		result.Error = &Error{Kind: kind, Message: message}
		return result
	}

	if options.Allowed != nil && !options.Allowed(call.Name) {
		executor.logger.Info("tool call rejected", "tool_name", call.Name, "call_id", call.ID)
		return fail(KindNotPermitted, fmt.Sprintf("tool %q is not permitted for this agent", call.Name))
	}
	tool, ok := executor.registry.Lookup(call.Name)
	if !ok {
		return fail(KindExecution, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if ctx.Err() != nil {
		return fail(KindCancelled, "cancelled before start")
	}
	if err := executor.slots.Acquire(ctx, 1); err != nil {
		return fail(KindCancelled, "cancelled before start")
	}

	result.Status = StatusRunning
	result.StartedAt = executor.clock.Now()
	if started != nil {
		started(result)
	}
	executor.logger.Debug("tool call started", "tool_name", call.Name, "call_id", call.ID)

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer executor.slots.Release(1)
		var value outcome
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					executor.logger.Error("tool panicked",
						"tool_name", call.Name,
						"call_id", call.ID,
						"panic", recovered,
						"stack", string(debug.Stack()),
					)
					value = outcome{err: Errorf("tool panicked: %v", recovered)}
				}
			}()
			value.output, value.err = tool.Run(ctx, call.Input)
		}()
		done <- value
	}()

	var value outcome
	select {
	case value = <-done:
	case <-ctx.Done():
		select {
		case value = <-done:
		case <-executor.clock.After(executor.gracePeriod):
			executor.logger.Warn("tool call abandoned after grace period",
				"tool_name", call.Name,
				"call_id", call.ID,
				"grace_period", executor.gracePeriod,
			)
			result.Abandoned = true
			return fail(KindCancelled, "cancelled")
		}
	}

	result.EndedAt = executor.clock.Now()
	result.Output = value.output
	if value.err != nil {
		result.Status = StatusFailed
		result.Error = asError(value.err)
		if ctx.Err() != nil && result.Error.Kind == KindExecution {
			result.Error = &Error{Kind: KindCancelled, Message: "cancelled", Err: value.err}
		}
		executor.logger.Info("tool call failed",
			"tool_name", call.Name,
			"call_id", call.ID,
			"error", result.Error,
		)
		return result
	}
	result.Status = StatusCompleted
	executor.logger.Debug("tool call completed",
		"tool_name", call.Name,
		"call_id", call.ID,
		"output_length", len(value.output),
		"duration", result.Duration(),
	)
	return result
}
