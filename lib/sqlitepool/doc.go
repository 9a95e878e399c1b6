// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite with the pragmas
// and schema handling the conversation store relies on.
//
// Every connection runs with WAL journaling, synchronous=FULL,
// a 5 second busy timeout, and foreign keys enforced. Schema changes
// are an ordered list of SQL scripts; [Open] applies the ones the
// database has not seen, tracked by PRAGMA user_version.
//
// Callers never hold a connection directly:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE ...", &sqlitex.ExecOptions{Args: args})
//	})
//
// [Pool.Write] wraps the callback in BEGIN IMMEDIATE so concurrent
// writers queue on the busy timeout instead of failing mid-transaction
// with SQLITE_BUSY on lock upgrade.
package sqlitepool
