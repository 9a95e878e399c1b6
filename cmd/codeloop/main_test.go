// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"debug", "text", false},
		{"WARN", "TEXT", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, test := range tests {
		logger, err := newLogger(test.level, test.format)
		if (err != nil) != test.wantErr {
			t.Errorf("newLogger(%q, %q) err = %v, want error %v", test.level, test.format, err, test.wantErr)
		}
		if err == nil && logger == nil {
			t.Errorf("newLogger(%q, %q) returned a nil logger", test.level, test.format)
		}
	}
}

func TestLoadConfigFromFlag(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := filepath.Join(dir, "state")
	path := filepath.Join(dir, "codeloop.yaml")
	source := "paths:\n  root: " + root + "\nserver:\n  framing: cbor\n"
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got, want := cfg.Paths.StateDB, filepath.Join(root, "state.db"); got != want {
		t.Errorf("StateDB = %q, want %q", got, want)
	}
	if cfg.Server.Framing != "cbor" {
		t.Errorf("Framing = %q, want cbor", cfg.Server.Framing)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("root directory not created: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loadConfig of a missing file succeeded")
	}
}
