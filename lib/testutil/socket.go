// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"os"
	"testing"
	"time"
)

// SocketDir creates a temporary directory for Unix domain sockets. It
// lives under /tmp because t.TempDir paths can exceed the 108-byte
// sun_path limit. It is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "codeloop-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// DialSocket connects to the Unix socket at path, retrying until a
// listener appears or timeout passes. The connection is closed when
// the test completes.
//
//	conn := testutil.DialSocket(t, socketPath, 5*time.Second)
func DialSocket(t *testing.T, path string, timeout time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s not accepting after %v: %v", path, timeout, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
