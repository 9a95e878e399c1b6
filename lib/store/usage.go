// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/codeloop/lib/usage"
)

// RecordTurn stores a finished turn's usage and adds it to the
// thread's rollup in the same transaction, so the rollup always equals
// the sum of the recorded turns. Recording a turn id twice fails.
func (s *Store) RecordTurn(ctx context.Context, lease *Lease, turnID string, state TurnState, turnUsage usage.Usage) error {
	if err := s.check(lease); err != nil {
		return err
	}
	threadID := lease.threadID
	encoded, err := json.Marshal(turnUsage)
	if err != nil {
		return fmt.Errorf("store: encoding turn usage: %w", err)
	}
	now := s.clock.Now().UnixNano()
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		total, found, err := readStats(conn, threadID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("store: recording turn %s: %w: %s", turnID, ErrNotFound, threadID)
		}
		err = sqlitex.Execute(conn, `INSERT INTO turn_usage (conversation_id, turn_id, usage, state, recorded_at)
			VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{threadID, turnID, string(encoded), string(state), now},
		})
		if err != nil {
			return fmt.Errorf("store: recording turn %s: %w", turnID, err)
		}
		total = total.Add(turnUsage)
		columns, err := encodeUsageColumns(total)
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `UPDATE conversation_stats
			SET prompt_tokens = ?, completion_tokens = ?, cached_tokens = ?, total_tokens = ?, cost = ?
			WHERE conversation_id = ?`, &sqlitex.ExecOptions{
			Args: []any{columns[0], columns[1], columns[2], columns[3], total.Cost, threadID},
		})
		if err != nil {
			return fmt.Errorf("store: rolling up usage of %s: %w", threadID, err)
		}
		return sqlitex.Execute(conn, `UPDATE conversation SET updated_at = ? WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{now, threadID}})
	})
	if err != nil {
		return err
	}
	s.logger.Debug("turn recorded",
		"thread_id", threadID,
		"turn_id", turnID,
		"state", state,
		"total_tokens", turnUsage.Total.String(),
	)
	return nil
}

// TurnRecorded reports whether turnID has already been recorded on the
// leased thread. A turn id names one turn for the thread's lifetime, so
// a caller checks this before running a turn whose id it did not
// generate.
func (s *Store) TurnRecorded(ctx context.Context, lease *Lease, turnID string) (bool, error) {
	if err := s.check(lease); err != nil {
		return false, err
	}
	recorded := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM turn_usage WHERE conversation_id = ? AND turn_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{lease.threadID, turnID},
				ResultFunc: func(*sqlite.Stmt) error {
					recorded = true
					return nil
				},
			})
	})
	if err != nil {
		return false, fmt.Errorf("store: looking up turn %s: %w", turnID, err)
	}
	return recorded, nil
}

// AggregateUsage returns the thread-level usage rollup.
func (s *Store) AggregateUsage(ctx context.Context, threadID string) (usage.Usage, error) {
	var total usage.Usage
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		total, found, err = readStats(conn, threadID)
		return err
	})
	if err != nil {
		return usage.Usage{}, err
	}
	if !found {
		return usage.Usage{}, fmt.Errorf("store: aggregate usage: %w: %s", ErrNotFound, threadID)
	}
	return total, nil
}

// TurnUsages returns every recorded turn of a thread in recording
// order.
func (s *Store) TurnUsages(ctx context.Context, threadID string) ([]TurnUsage, error) {
	var turns []TurnUsage
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT turn_id, state, usage, recorded_at FROM turn_usage
			WHERE conversation_id = ? ORDER BY recorded_at, rowid`, &sqlitex.ExecOptions{
			Args: []any{threadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				turn := TurnUsage{
					TurnID:     stmt.ColumnText(0),
					State:      TurnState(stmt.ColumnText(1)),
					RecordedAt: time.Unix(0, stmt.ColumnInt64(3)),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &turn.Usage); err != nil {
					return fmt.Errorf("store: decoding usage of turn %s: %w", turn.TurnID, err)
				}
				turns = append(turns, turn)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing turns of %s: %w", threadID, err)
	}
	return turns, nil
}

func readStats(conn *sqlite.Conn, threadID string) (usage.Usage, bool, error) {
	var total usage.Usage
	found := false
	err := sqlitex.Execute(conn, `SELECT prompt_tokens, completion_tokens, cached_tokens, total_tokens, cost
		FROM conversation_stats WHERE conversation_id = ?`, &sqlitex.ExecOptions{
		Args: []any{threadID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			total, err = decodeUsageColumns(stmt, 0)
			found = true
			return err
		},
	})
	if err != nil {
		return usage.Usage{}, false, fmt.Errorf("store: reading stats of %s: %w", threadID, err)
	}
	return total, found, nil
}
