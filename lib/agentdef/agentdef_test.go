// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdef

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

var knownTools = []string{"list_files", "read_file", "search", "shell", "write_file"}

func TestParse(t *testing.T) {
	t.Parallel()

	source := `---
id: reviewer
tools: [read_file, search]
reasoning: true
---
# Reviewer

Reviews changes in
{{.Workspace}} without editing.

Second paragraph.
`
	config, err := Parse("ignored.md", []byte(source), knownTools)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if config.ID != "reviewer" {
		t.Errorf("ID = %q, want reviewer", config.ID)
	}
	if config.Description != "Reviews changes in {{.Workspace}} without editing." {
		t.Errorf("Description = %q", config.Description)
	}
	if !slices.Equal(config.Tools, []string{"read_file", "search"}) {
		t.Errorf("Tools = %v", config.Tools)
	}
	if !config.Reasoning || config.ReasoningBudget != defaultReasoningBudget {
		t.Errorf("reasoning = %v/%d", config.Reasoning, config.ReasoningBudget)
	}
	if !config.Allows("search") || config.Allows("shell") {
		t.Error("Allows does not match the tool list")
	}

	prompt, err := config.Render(NewPromptData("/src/app", "m", "reviewer", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(prompt, "Reviews changes in\n/src/app without editing.") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestParseWithoutFrontmatter(t *testing.T) {
	t.Parallel()

	config, err := Parse("notes.md", []byte("Just a prompt.\n"), knownTools)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if config.ID != "notes" || config.Description != "Just a prompt." || len(config.Tools) != 0 {
		t.Errorf("config = %+v", config)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		source  string
		wantErr string
	}{
		{"unknown tool", "a.md", "---\ntools: [read_file, deploy]\n---\nx", "not a registered tool"},
		{"unknown field", "a.md", "---\ntool: [read_file]\n---\nx", "field tool not found"},
		{"unclosed frontmatter", "a.md", "---\nid: a\nx", "closing frontmatter"},
		{"bad id", "Bad Name.md", "x", "ID"},
		{"provider without model", "a.md", "---\nprovider: local\n---\nx", "required when provider is set"},
		{"bad template", "a.md", "{{.Workspace", "parsing prompt template"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(test.file, []byte(test.source), knownTools)
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, test.wantErr)
			}
		})
	}
}

func TestRenderMissingKey(t *testing.T) {
	t.Parallel()

	config, err := Parse("a.md", []byte("{{.Nope}}"), knownTools)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := config.Render(PromptData{}); err == nil {
		t.Error("Render of an unknown field succeeded")
	}
}

func TestBuiltin(t *testing.T) {
	t.Parallel()

	config := Builtin(knownTools)
	if config.ID != DefaultAgent {
		t.Errorf("ID = %q, want %q", config.ID, DefaultAgent)
	}
	if !slices.Equal(config.Tools, knownTools) {
		t.Errorf("Tools = %v, want every known tool", config.Tools)
	}
	prompt, err := config.Render(NewPromptData("/w", "gpt-5", DefaultAgent, time.Now()))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(prompt, "/w") || !strings.Contains(prompt, "gpt-5") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := map[string]string{
		"reviewer.md": "---\ntools: [read_file]\n---\nReview.",
		"coder.md":    "---\ntools: [shell]\n---\nCustom coder.",
		"README.txt":  "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	registry, err := LoadDir(dir, knownTools)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	var ids []string
	for _, config := range registry.List() {
		ids = append(ids, config.ID)
	}
	if !slices.Equal(ids, []string{"coder", "reviewer"}) {
		t.Errorf("ids = %v", ids)
	}
	coder, err := registry.Get("coder")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if coder.Description != "Custom coder." {
		t.Errorf("coder.md did not replace the built-in: %+v", coder)
	}
	if _, err := registry.Get("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestLoadDirReportsEveryBadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, content := range map[string]string{
		"a.md": "---\ntools: [nope]\n---\n",
		"b.md": "---\ntools: [also_nope]\n---\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err := LoadDir(dir, knownTools)
	if err == nil {
		t.Fatal("LoadDir succeeded")
	}
	if !strings.Contains(err.Error(), "a.md") || !strings.Contains(err.Error(), "b.md") {
		t.Errorf("err = %v, want both files reported", err)
	}
}

func TestLoadDirMissing(t *testing.T) {
	t.Parallel()

	registry, err := LoadDir(filepath.Join(t.TempDir(), "absent"), knownTools)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, err := registry.Get(DefaultAgent); err != nil {
		t.Errorf("built-in missing: %v", err)
	}
}
