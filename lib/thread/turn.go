// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package thread

import (
	"context"
	"sync"

	"github.com/bureau-foundation/codeloop/lib/engine"
	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/store"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// PendingTurn is a prepared turn holding its thread's write lease.
// Exactly one of Start or Abort takes effect.
type PendingTurn struct {
	ID       string
	ThreadID string

	manager *Manager
	lease   *store.Lease
	turn    engine.Turn
	ctx     context.Context
	cancel  context.CancelCauseFunc

	once    sync.Once
	done    chan struct{}
	outcome engine.Outcome
}

// Model returns the model the turn will run on.
func (turn *PendingTurn) Model() string { return turn.turn.Model.ID }

// Agent returns the id of the agent the turn will run as.
func (turn *PendingTurn) Agent() string { return turn.turn.Agent.ID }

// Start runs the turn in its own goroutine. It reports false when the
// turn was already started or aborted, as Shutdown does to turns that
// never started.
func (turn *PendingTurn) Start() bool {
	started := false
	turn.once.Do(func() {
		started = true
		go func() {
			defer close(turn.done)
			defer turn.manager.finish(turn)
			defer turn.lease.Release()
			defer turn.cancel(nil)
			turn.outcome = turn.manager.engine.Run(turn.ctx, turn.turn)
		}()
	})
	return started
}

// Abort releases a turn that was never started. It emits no events.
func (turn *PendingTurn) Abort() {
	turn.once.Do(func() {
		turn.cancel(nil)
		turn.lease.Release()
		turn.outcome = engine.Outcome{State: engine.StateCancelled}
		turn.manager.finish(turn)
		close(turn.done)
	})
}

// Done is closed when the turn has finished or was aborted, after the
// turn id is free for the manager again.
func (turn *PendingTurn) Done() <-chan struct{} { return turn.done }

// Outcome returns how the turn ended. It is valid once Done is closed.
func (turn *PendingTurn) Outcome() engine.Outcome {
	<-turn.done
	return turn.outcome
}

// committer persists one turn's effects under its lease.
type committer struct {
	store  *store.Store
	lease  *store.Lease
	turnID string
}

func (c *committer) Append(ctx context.Context, messages ...llm.Message) error {
	return c.store.Append(ctx, c.lease, messages...)
}

func (c *committer) Rewrite(ctx context.Context, history []llm.Message) error {
	return c.store.Rewrite(ctx, c.lease, history)
}

func (c *committer) Record(ctx context.Context, state engine.State, turnUsage usage.Usage) error {
	return c.store.RecordTurn(ctx, c.lease, c.turnID, turnState(state), turnUsage)
}

func turnState(state engine.State) store.TurnState {
	switch state {
	case engine.StateCompleted:
		return store.TurnCompleted
	case engine.StateCancelled:
		return store.TurnCancelled
	default:
		return store.TurnFailed
	}
}
