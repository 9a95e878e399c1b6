// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/bureau-foundation/codeloop/lib/tool"
)

const (
	defaultReadLimit = 2000
	maxListEntries   = 1000
	maxSearchMatches = 200
	maxSearchFile    = 1 << 20
)

// skippedDirs are never descended into by list_files or search.
var skippedDirs = map[string]bool{".git": true, "node_modules": true}

type readFileTool struct{ workspace *Workspace }

func (*readFileTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Lines are numbered from 1.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "offset": {"type": "integer", "description": "First line to return, 1-based."},
    "limit": {"type": "integer", "description": "Maximum number of lines. Default 2000."}
  },
  "required": ["path"]
}`),
		SideEffect: tool.ReadOnly,
	}
}

func (read *readFileTool) Run(_ context.Context, input json.RawMessage) (string, error) {
	var arguments struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := decodeInput(input, &arguments); err != nil {
		return "", err
	}
	if arguments.Path == "" {
		return "", tool.Errorf("path is required")
	}
	relative, err := read.workspace.relative(arguments.Path)
	if err != nil {
		return "", err
	}
	data, err := read.workspace.root.ReadFile(relative)
	if err != nil {
		return "", tool.Errorf("reading %s: %v", arguments.Path, unwrapPath(err))
	}

	first := max(arguments.Offset, 1)
	limit := arguments.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	var builder strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64<<10), maxSearchFile)
	line, shown := 0, 0
	for scanner.Scan() {
		line++
		if line < first {
			continue
		}
		if shown == limit {
			fmt.Fprintf(&builder, "[more lines follow; continue with offset %d]\n", line)
			break
		}
		fmt.Fprintf(&builder, "%6d\t%s\n", line, scanner.Text())
		shown++
	}
	if err := scanner.Err(); err != nil {
		return "", tool.Errorf("reading %s: %v", arguments.Path, err)
	}
	if shown == 0 && line > 0 {
		return "", tool.Errorf("offset %d is past the end of %s (%d lines)", first, arguments.Path, line)
	}
	return truncate(builder.String()), nil
}

type writeFileTool struct{ workspace *Workspace }

func (*writeFileTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace. Parent directories are created.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["path", "content"]
}`),
		SideEffect: tool.Mutating,
	}
}

func (write *writeFileTool) Run(_ context.Context, input json.RawMessage) (string, error) {
	var arguments struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := decodeInput(input, &arguments); err != nil {
		return "", err
	}
	if arguments.Path == "" || arguments.Content == nil {
		return "", tool.Errorf("path and content are required")
	}
	relative, err := write.workspace.relative(arguments.Path)
	if err != nil {
		return "", err
	}
	if relative == "." {
		return "", tool.Errorf("path must name a file")
	}
	if directory := filepath.Dir(relative); directory != "." {
		if err := write.workspace.root.MkdirAll(directory, 0o755); err != nil {
			return "", tool.Errorf("creating %s: %v", directory, unwrapPath(err))
		}
	}
	if err := write.workspace.root.WriteFile(relative, []byte(*arguments.Content), 0o644); err != nil {
		return "", tool.Errorf("writing %s: %v", arguments.Path, unwrapPath(err))
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(*arguments.Content), filepath.ToSlash(relative)), nil
}

type listFilesTool struct{ workspace *Workspace }

func (*listFilesTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        "list_files",
		Description: "List a workspace directory. Directories end in a slash.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Directory to list. Default is the workspace root."},
    "recursive": {"type": "boolean"}
  }
}`),
		SideEffect: tool.ReadOnly,
	}
}

func (list *listFilesTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var arguments struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := decodeInput(input, &arguments); err != nil {
		return "", err
	}
	relative, err := list.workspace.relative(arguments.Path)
	if err != nil {
		return "", err
	}
	start := filepath.ToSlash(relative)
	fsys := list.workspace.root.FS()

	var entries []string
	truncated := false
	err = fs.WalkDir(fsys, start, func(name string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == start {
			if !entry.IsDir() {
				return fmt.Errorf("%s is not a directory", arguments.Path)
			}
			return nil
		}
		if len(entries) == maxListEntries {
			truncated = true
			return fs.SkipAll
		}
		display := relativeTo(start, name)
		if entry.IsDir() {
			entries = append(entries, display+"/")
			if !arguments.Recursive || skippedDirs[entry.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		entries = append(entries, display)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", tool.Errorf("listing %s: %v", arguments.Path, unwrapPath(err))
	}
	slices.Sort(entries)
	output := strings.Join(entries, "\n")
	if truncated {
		output += fmt.Sprintf("\n[listing truncated at %d entries]", maxListEntries)
	}
	if output == "" {
		output = "(empty directory)"
	}
	return output, nil
}

type searchTool struct{ workspace *Workspace }

func (*searchTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        "search",
		Description: "Search workspace files for a regular expression (RE2 syntax). Returns path:line: text for each match.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "pattern": {"type": "string"},
    "path": {"type": "string", "description": "File or directory to search. Default is the workspace root."}
  },
  "required": ["pattern"]
}`),
		SideEffect: tool.ReadOnly,
	}
}

func (search *searchTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var arguments struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := decodeInput(input, &arguments); err != nil {
		return "", err
	}
	if arguments.Pattern == "" {
		return "", tool.Errorf("pattern is required")
	}
	pattern, err := regexp.Compile(arguments.Pattern)
	if err != nil {
		return "", tool.Errorf("invalid pattern: %v", err)
	}
	relative, err := search.workspace.relative(arguments.Path)
	if err != nil {
		return "", err
	}
	start := filepath.ToSlash(relative)
	fsys := search.workspace.root.FS()

	var matches []string
	errLimit := errors.New("match limit reached")
	err = fs.WalkDir(fsys, start, func(name string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if name != start && skippedDirs[entry.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() > maxSearchFile {
			return nil
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil || isBinary(data) {
			return nil
		}
		for number, line := range strings.Split(string(data), "\n") {
			if !pattern.MatchString(line) {
				continue
			}
			matches = append(matches, fmt.Sprintf("%s:%d: %s", name, number+1, strings.TrimRight(line, "\r")))
			if len(matches) == maxSearchMatches {
				return errLimit
			}
		}
		return nil
	})
	limited := errors.Is(err, errLimit)
	if err != nil && !limited {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", tool.Errorf("searching %s: %v", arguments.Path, unwrapPath(err))
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	output := strings.Join(matches, "\n")
	if limited {
		output += fmt.Sprintf("\n[stopped after %d matches]", maxSearchMatches)
	}
	return truncate(output), nil
}

// isBinary treats a NUL byte near the start as binary content.
func isBinary(data []byte) bool {
	return bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0
}

func relativeTo(base, name string) string {
	if base == "." {
		return name
	}
	return strings.TrimPrefix(name, base+"/")
}

// unwrapPath shortens a path error to "name: cause".
func unwrapPath(err error) error {
	var pathError *fs.PathError
	if errors.As(err, &pathError) {
		return fmt.Errorf("%s: %w", path.Clean(pathError.Path), pathError.Err)
	}
	return err
}
