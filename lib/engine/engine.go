// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/codeloop/lib/agentdef"
	"github.com/bureau-foundation/codeloop/lib/catalog"
	"github.com/bureau-foundation/codeloop/lib/clock"
	"github.com/bureau-foundation/codeloop/lib/llm"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/tool"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

const (
	defaultMaxSteps        = 50
	defaultIdleTimeout     = 90 * time.Second
	defaultMaxOutputTokens = 8192
)

// Config holds the engine-wide dependencies and limits shared by
// every turn.
type Config struct {
	// Executor runs tool calls. Its concurrency cap is global across
	// turns.
	Executor *tool.Executor

	// Estimator produces Approx usage for steps whose provider did
	// not report usage. Nil means [usage.ByteEstimator].
	Estimator usage.Estimator

	// TokenEstimator sizes the history for compaction decisions and
	// is calibrated with reported usage. Nil means a
	// [llmcontext.CharEstimator].
	TokenEstimator llmcontext.TokenEstimator

	// MaxSteps bounds provider calls per turn. Zero means 50.
	MaxSteps int

	// IdleTimeout fails a turn when the provider produces nothing for
	// this long. Zero means 90s.
	IdleTimeout time.Duration

	// MaxOutputTokens is requested per provider call and reserved out
	// of the context window. Zero means 8192.
	MaxOutputTokens int

	// OverheadTokens is reserved for the system prompt and tool
	// definitions when computing the message budget.
	OverheadTokens int

	Retry  RetryPolicy
	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine runs turns. One Engine serves every thread; per-turn state
// lives in the goroutine calling [Engine.Run].
type Engine struct {
	executor        *tool.Executor
	estimator       usage.Estimator
	tokenEstimator  llmcontext.TokenEstimator
	maxSteps        int
	idleTimeout     time.Duration
	maxOutputTokens int
	overheadTokens  int
	retry           RetryPolicy
	clock           clock.Clock
	logger          *slog.Logger
}

// New returns an engine for config.
func New(config Config) *Engine {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Executor == nil {
		config.Executor = tool.NewExecutor(tool.ExecutorConfig{Clock: config.Clock, Logger: config.Logger})
	}
	if config.Estimator == nil {
		config.Estimator = usage.ByteEstimator{}
	}
	if config.TokenEstimator == nil {
		config.TokenEstimator = llmcontext.NewCharEstimator()
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaultMaxSteps
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = defaultMaxOutputTokens
	}
	return &Engine{
		executor:        config.Executor,
		estimator:       config.Estimator,
		tokenEstimator:  config.TokenEstimator,
		maxSteps:        config.MaxSteps,
		idleTimeout:     config.IdleTimeout,
		maxOutputTokens: config.MaxOutputTokens,
		overheadTokens:  config.OverheadTokens,
		retry:           config.Retry.withDefaults(),
		clock:           config.Clock,
		logger:          config.Logger,
	}
}

// Tools returns the registry the engine's executor dispatches to.
func (engine *Engine) Tools() *tool.Registry { return engine.executor.Registry() }

// TokenEstimator returns the estimator compaction decisions use, for
// building compactors that agree with the engine.
func (engine *Engine) TokenEstimator() llmcontext.TokenEstimator { return engine.tokenEstimator }

// Committer persists a turn's effects. The engine calls it only from
// the turn's goroutine, and never with a history that has a tool call
// without its result.
type Committer interface {
	// Append adds messages to the committed history.
	Append(ctx context.Context, messages ...llm.Message) error

	// Rewrite replaces the committed history after compaction.
	Rewrite(ctx context.Context, history []llm.Message) error

	// Record stores the turn's terminal state and usage. It is called
	// once, before the terminal event is emitted.
	Record(ctx context.Context, state State, turnUsage usage.Usage) error
}

// Turn is everything one turn needs. History is the committed history
// before Input; the engine does not modify the slice.
type Turn struct {
	ThreadID string
	TurnID   string
	History  []llm.Message
	Input    llm.Message

	// Agent selects the allowed tools and reasoning. System is its
	// rendered prompt.
	Agent  *agentdef.Config
	System string

	Model    catalog.Model
	Provider llm.Provider

	// Compactor fits the history to the model's window before each
	// provider call. Nil disables compaction.
	Compactor llmcontext.Compactor

	Sink      Sink
	Committer Committer
}

// Outcome is how a turn ended.
type Outcome struct {
	State State
	Usage usage.Usage
	Steps int

	// Err is set when State is StateFailed.
	Err *Error
}

// Run drives turn to a terminal state and returns it. Cancelling ctx
// cancels the turn: the stream stops, running tools get the grace
// period, and the turn ends Cancelled. Run always emits exactly one
// terminal event and nothing after it.
func (engine *Engine) Run(ctx context.Context, turn Turn) Outcome {
	if turn.Sink == nil {
		turn.Sink = discard
	}
	r := &run{
		engine:  engine,
		turn:    turn,
		history: append([]llm.Message(nil), turn.History...),
		tracker: usage.NewTracker(turn.Model.Pricing),
		seenIDs: make(map[string]bool),
		logger: engine.logger.With(
			"thread_id", turn.ThreadID,
			"turn_id", turn.TurnID,
		),
	}
	return r.execute(ctx)
}
