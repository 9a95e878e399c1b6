// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds the parameters for opening a SQLite connection pool.
type Config struct {
	// Path is the database file. The parent directory must exist; the
	// file is created if it does not.
	Path string

	// PoolSize is the number of connections. Zero means
	// max(runtime.NumCPU(), 4). SQLite serializes writers regardless,
	// so extra connections only help concurrent readers.
	PoolSize int

	// Migrations are SQL scripts applied in order on Open. The number
	// applied is tracked in PRAGMA user_version, so appending a script
	// upgrades existing databases and never re-runs earlier ones.
	Migrations []string

	// Logger receives pool lifecycle messages. Nil discards them.
	Logger *slog.Logger
}

// Pool is a fixed-size pool of SQLite connections. Connections are
// not safe for concurrent use; [Pool.Read] and [Pool.Write] lend one
// to a callback for its duration.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool and applies pending migrations before
// returning, so schema errors surface at startup rather than on the
// first query.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	pool := &Pool{inner: inner, logger: logger, path: cfg.Path}

	applied, err := pool.migrate(ctx, cfg.Migrations)
	if err != nil {
		inner.Close()
		return nil, err
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"migrations_applied", applied,
	)
	return pool, nil
}

// Read lends a connection to fn without opening a transaction.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// Write runs fn inside a BEGIN IMMEDIATE transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

// Close closes all connections, blocking until borrowed connections
// are returned.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// migrate applies the scripts beyond the database's user_version,
// each in its own transaction together with the version bump.
func (p *Pool) migrate(ctx context.Context, migrations []string) (int, error) {
	applied := 0
	err := p.Read(ctx, func(conn *sqlite.Conn) error {
		version, err := userVersion(conn)
		if err != nil {
			return err
		}
		if version > len(migrations) {
			return fmt.Errorf("sqlitepool: %s is at schema version %d, newer than this binary's %d",
				p.path, version, len(migrations))
		}
		for index := version; index < len(migrations); index++ {
			if err := applyMigration(conn, index+1, migrations[index]); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

func applyMigration(conn *sqlite.Conn, version int, script string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin migration %d: %w", version, err)
	}
	defer endTransaction(&err)

	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitepool: migration %d: %w", version, err)
	}
	// PRAGMA does not accept bound parameters.
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", version), nil); err != nil {
		return fmt.Errorf("sqlitepool: recording migration %d: %w", version, err)
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}

// prepareConnection runs once per connection. Conversation history is
// the only copy of a thread, so commits are fsynced (synchronous=FULL)
// rather than relying on WAL checkpoints surviving a power loss.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
