// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/codeloop/lib/clock"
	"github.com/bureau-foundation/codeloop/lib/llm"
	"github.com/bureau-foundation/codeloop/lib/sqlitepool"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

var (
	// ErrNotFound is returned for a thread id the store does not hold.
	ErrNotFound = errors.New("thread not found")

	// ErrWriteConflict is returned when a thread's write lease is held
	// by someone else, or a write is attempted without a live lease.
	ErrWriteConflict = errors.New("write conflict")

	// ErrCorrupt is returned when a stored context blob fails to
	// decode or its digest does not match.
	ErrCorrupt = errors.New("corrupt context")
)

// TurnState is the terminal state a turn was recorded with.
type TurnState string

const (
	TurnCompleted TurnState = "completed"
	TurnCancelled TurnState = "cancelled"
	TurnFailed    TurnState = "failed"
)

// Thread is a conversation as stored.
type Thread struct {
	ID        string
	Title     string
	Workspace string
	Messages  []llm.Message

	// Usage is the thread-level rollup of every recorded turn.
	Usage usage.Usage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the listing form of a thread, read without decoding its
// history.
type Summary struct {
	ID           string
	Title        string
	Workspace    string
	MessageCount int
	Usage        usage.Usage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TurnUsage is the usage recorded for one turn.
type TurnUsage struct {
	TurnID     string
	State      TurnState
	Usage      usage.Usage
	RecordedAt time.Time
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Its directory must exist.
	Path     string
	PoolSize int

	// Clock stamps created_at, updated_at, and recorded_at. Nil means
	// the real clock.
	Clock  clock.Clock
	Logger *slog.Logger
}

// Store persists threads in SQLite. It is the only writer of durable
// state and the source of truth after a restart.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	leaseMu sync.Mutex
	leases  map[string]*Lease
}

// Open opens or creates the database at cfg.Path and applies pending
// schema migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: migrations,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		leases: make(map[string]*Lease),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create inserts a new thread with thread.Messages as its initial
// history and zero usage. CreatedAt and UpdatedAt are set from the
// store's clock.
func (s *Store) Create(ctx context.Context, thread Thread) error {
	if thread.ID == "" {
		return fmt.Errorf("store: create: thread id is required")
	}
	blob, err := encodeContext(thread.Messages)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixNano()
	zero, err := encodeUsageColumns(usage.Usage{})
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		exists, err := threadExists(conn, thread.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("store: thread %s already exists", thread.ID)
		}
		err = sqlitex.Execute(conn, `INSERT INTO conversation
			(conversation_id, title, workspace, context, context_encoding, context_digest, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{thread.ID, thread.Title, thread.Workspace, blob.data, blob.encoding, blob.digest, now, now},
		})
		if err != nil {
			return fmt.Errorf("store: inserting thread %s: %w", thread.ID, err)
		}
		err = sqlitex.Execute(conn, `INSERT INTO conversation_stats
			(conversation_id, message_count, prompt_tokens, completion_tokens, cached_tokens, total_tokens, cost)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{thread.ID, int64(len(thread.Messages)), zero[0], zero[1], zero[2], zero[3], 0.0},
		})
		if err != nil {
			return fmt.Errorf("store: inserting stats for %s: %w", thread.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("thread created", "thread_id", thread.ID, "workspace", thread.Workspace)
	return nil
}

// Load reads a thread and its full history.
func (s *Store) Load(ctx context.Context, threadID string) (*Thread, error) {
	var thread *Thread
	var blob contextBlob
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT c.title, c.workspace, c.context, c.context_encoding, c.context_digest,
				c.created_at, c.updated_at,
				s.prompt_tokens, s.completion_tokens, s.cached_tokens, s.total_tokens, s.cost
			FROM conversation c JOIN conversation_stats s USING (conversation_id)
			WHERE c.conversation_id = ?`, &sqlitex.ExecOptions{
			Args: []any{threadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total, err := decodeUsageColumns(stmt, 7)
				if err != nil {
					return err
				}
				thread = &Thread{
					ID:        threadID,
					Title:     stmt.ColumnText(0),
					Workspace: stmt.ColumnText(1),
					Usage:     total,
					CreatedAt: time.Unix(0, stmt.ColumnInt64(5)),
					UpdatedAt: time.Unix(0, stmt.ColumnInt64(6)),
				}
				blob = contextBlob{
					data:     columnBytes(stmt, 2),
					encoding: stmt.ColumnText(3),
					digest:   columnBytes(stmt, 4),
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading %s: %w", threadID, err)
	}
	if thread == nil {
		return nil, fmt.Errorf("store: %w: %s", ErrNotFound, threadID)
	}
	thread.Messages, err = decodeContext(blob)
	if err != nil {
		return nil, fmt.Errorf("store: loading %s: %w", threadID, err)
	}
	return thread, nil
}

// List returns every thread, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT c.conversation_id, c.title, c.workspace, c.created_at, c.updated_at,
				s.message_count, s.prompt_tokens, s.completion_tokens, s.cached_tokens, s.total_tokens, s.cost
			FROM conversation c JOIN conversation_stats s USING (conversation_id)
			ORDER BY c.updated_at DESC, c.conversation_id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total, err := decodeUsageColumns(stmt, 6)
				if err != nil {
					return err
				}
				summaries = append(summaries, Summary{
					ID:           stmt.ColumnText(0),
					Title:        stmt.ColumnText(1),
					Workspace:    stmt.ColumnText(2),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)),
					UpdatedAt:    time.Unix(0, stmt.ColumnInt64(4)),
					MessageCount: stmt.ColumnInt(5),
					Usage:        total,
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing threads: %w", err)
	}
	return summaries, nil
}

// Append adds messages to the end of the thread's history.
func (s *Store) Append(ctx context.Context, lease *Lease, messages ...llm.Message) error {
	if err := s.check(lease); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	threadID := lease.threadID
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		history, err := readContext(conn, threadID)
		if err != nil {
			return fmt.Errorf("store: appending to %s: %w", threadID, err)
		}
		return s.writeContext(conn, threadID, append(history, messages...))
	})
}

// Rewrite replaces the thread's history. Compaction is the only
// caller.
func (s *Store) Rewrite(ctx context.Context, lease *Lease, history []llm.Message) error {
	if err := s.check(lease); err != nil {
		return err
	}
	threadID := lease.threadID
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		exists, err := threadExists(conn, threadID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("store: rewriting %s: %w", threadID, ErrNotFound)
		}
		return s.writeContext(conn, threadID, history)
	})
}

// SetTitle sets the thread's title.
func (s *Store) SetTitle(ctx context.Context, lease *Lease, title string) error {
	if err := s.check(lease); err != nil {
		return err
	}
	threadID := lease.threadID
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE conversation SET title = ?, updated_at = ? WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{title, s.clock.Now().UnixNano(), threadID}})
		if err != nil {
			return fmt.Errorf("store: setting title of %s: %w", threadID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("store: setting title: %w: %s", ErrNotFound, threadID)
		}
		return nil
	})
}

// Delete removes a thread with its stats and turn records. It fails
// with [ErrWriteConflict] while a turn holds the thread's lease.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	lease, err := s.Lock(threadID)
	if err != nil {
		return err
	}
	defer lease.Release()
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM conversation WHERE conversation_id = ?`,
			&sqlitex.ExecOptions{Args: []any{threadID}})
		if err != nil {
			return fmt.Errorf("store: deleting %s: %w", threadID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("store: deleting: %w: %s", ErrNotFound, threadID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("thread deleted", "thread_id", threadID)
	return nil
}

// writeContext stores history as the thread's context blob and keeps
// message_count in step with it.
func (s *Store) writeContext(conn *sqlite.Conn, threadID string, history []llm.Message) error {
	blob, err := encodeContext(history)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `UPDATE conversation
		SET context = ?, context_encoding = ?, context_digest = ?, updated_at = ?
		WHERE conversation_id = ?`, &sqlitex.ExecOptions{
		Args: []any{blob.data, blob.encoding, blob.digest, s.clock.Now().UnixNano(), threadID},
	})
	if err != nil {
		return fmt.Errorf("store: writing context of %s: %w", threadID, err)
	}
	err = sqlitex.Execute(conn, `UPDATE conversation_stats SET message_count = ? WHERE conversation_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(len(history)), threadID}})
	if err != nil {
		return fmt.Errorf("store: updating message count of %s: %w", threadID, err)
	}
	return nil
}

func readContext(conn *sqlite.Conn, threadID string) ([]llm.Message, error) {
	var blob *contextBlob
	err := sqlitex.Execute(conn, `SELECT context, context_encoding, context_digest
		FROM conversation WHERE conversation_id = ?`, &sqlitex.ExecOptions{
		Args: []any{threadID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = &contextBlob{
				data:     columnBytes(stmt, 0),
				encoding: stmt.ColumnText(1),
				digest:   columnBytes(stmt, 2),
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return decodeContext(*blob)
}

func threadExists(conn *sqlite.Conn, threadID string) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM conversation WHERE conversation_id = ?`, &sqlitex.ExecOptions{
		Args: []any{threadID},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: looking up %s: %w", threadID, err)
	}
	return exists, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	buffer := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, buffer)
	return buffer
}

// encodeUsageColumns renders the four counters as tagged JSON, in
// prompt, completion, cached, total order.
func encodeUsageColumns(value usage.Usage) ([4]string, error) {
	var columns [4]string
	for index, count := range []usage.Count{value.Prompt, value.Completion, value.Cached, value.Total} {
		encoded, err := json.Marshal(count)
		if err != nil {
			return columns, fmt.Errorf("store: encoding usage: %w", err)
		}
		columns[index] = string(encoded)
	}
	return columns, nil
}

// decodeUsageColumns reads prompt, completion, cached, total, and cost
// starting at column first. Counters may be tagged objects or the
// bare numbers older rows hold.
func decodeUsageColumns(stmt *sqlite.Stmt, first int) (usage.Usage, error) {
	var counts [4]usage.Count
	for index := range counts {
		if err := json.Unmarshal([]byte(stmt.ColumnText(first+index)), &counts[index]); err != nil {
			return usage.Usage{}, fmt.Errorf("store: decoding usage column %d: %w", first+index, err)
		}
	}
	return usage.Usage{
		Prompt:     counts[0],
		Completion: counts[1],
		Cached:     counts[2],
		Total:      counts[3],
		Cost:       stmt.ColumnFloat(first + 4),
	}, nil
}
