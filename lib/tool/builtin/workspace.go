// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/codeloop/lib/tool"
)

// maxOutputBytes bounds what any builtin returns to the model.
const maxOutputBytes = 64 << 10

// Workspace confines file access to one directory tree. Paths given
// by the model may be relative to the root or absolute inside it;
// anything resolving outside, including through symlinks, is
// rejected.
type Workspace struct {
	dir  string
	root *os.Root
}

// OpenWorkspace opens dir as a workspace root.
func OpenWorkspace(dir string) (*Workspace, error) {
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("builtin: resolving workspace %s: %w", dir, err)
	}
	root, err := os.OpenRoot(absolute)
	if err != nil {
		return nil, fmt.Errorf("builtin: opening workspace %s: %w", absolute, err)
	}
	return &Workspace{dir: absolute, root: root}, nil
}

// Dir returns the absolute workspace path.
func (workspace *Workspace) Dir() string { return workspace.dir }

// Close releases the root handle.
func (workspace *Workspace) Close() error { return workspace.root.Close() }

// relative maps a model-supplied path to a path relative to the root.
// os.Root enforces the final confinement; this check gives a clear
// message for the common mistakes.
func (workspace *Workspace) relative(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(workspace.dir, filepath.Clean(path))
		if err != nil {
			return "", outside(path)
		}
		path = rel
	}
	path = filepath.Clean(path)
	if path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return "", outside(path)
	}
	return path, nil
}

func outside(path string) error {
	return tool.Errorf("path %q is outside the workspace", path)
}

// decodeInput unmarshals tool input, reporting problems as execution
// errors the model can correct.
func decodeInput(input json.RawMessage, into any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, into); err != nil {
		return tool.Errorf("invalid input: %v", err)
	}
	return nil
}

// truncate caps output at maxOutputBytes, marking the cut.
func truncate(output string) string {
	if len(output) <= maxOutputBytes {
		return output
	}
	return output[:maxOutputBytes] + fmt.Sprintf("\n[output truncated: %d of %d bytes shown]", maxOutputBytes, len(output))
}

// Tools returns every builtin bound to workspace.
func Tools(workspace *Workspace) []tool.Tool {
	return []tool.Tool{
		&shellTool{workspace: workspace},
		&readFileTool{workspace: workspace},
		&writeFileTool{workspace: workspace},
		&listFilesTool{workspace: workspace},
		&searchTool{workspace: workspace},
	}
}
