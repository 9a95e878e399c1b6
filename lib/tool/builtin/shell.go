// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/codeloop/lib/tool"
)

const (
	defaultShellTimeout = 2 * time.Minute
	maxShellTimeout     = 10 * time.Minute
)

const shellSchema = `{
  "type": "object",
  "properties": {
    "cmd": {"type": "string", "description": "Command line run with sh -c in the workspace root."},
    "timeout_ms": {"type": "integer", "description": "Kill the command after this many milliseconds. Default 120000, maximum 600000."}
  },
  "required": ["cmd"]
}`

type shellTool struct {
	workspace *Workspace
}

func (*shellTool) Definition() tool.Definition {
	return tool.Definition{
		Name:        "shell",
		Description: "Run a shell command in the workspace and return its stdout, stderr, and exit code.",
		InputSchema: json.RawMessage(shellSchema),
		SideEffect:  tool.Mutating,
	}
}

type shellInput struct {
	Cmd       string `json:"cmd"`
	TimeoutMS int64  `json:"timeout_ms"`
}

type shellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Run executes the command in its own process group so cancellation
// reaches every child. A non-zero exit is a normal result, not a tool
// error; the model reads the exit code.
func (shell *shellTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var arguments shellInput
	if err := decodeInput(input, &arguments); err != nil {
		return "", err
	}
	if strings.TrimSpace(arguments.Cmd) == "" {
		return "", tool.Errorf("cmd is required")
	}
	timeout := defaultShellTimeout
	if arguments.TimeoutMS > 0 {
		timeout = min(time.Duration(arguments.TimeoutMS)*time.Millisecond, maxShellTimeout)
	}

	commandContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(commandContext, "sh", "-c", arguments.Cmd)
	command.Dir = shell.workspace.dir
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	command.Cancel = func() error {
		return unix.Kill(-command.Process.Pid, unix.SIGKILL)
	}
	command.WaitDelay = time.Second

	err := command.Run()
	output := shellOutput{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}
	var exitError *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(commandContext.Err(), context.DeadlineExceeded):
		output.ExitCode = -1
		output.TimedOut = true
	case errors.As(err, &exitError):
		output.ExitCode = exitError.ExitCode()
	case err != nil:
		return "", tool.Errorf("running command: %v", err)
	}

	var encoded bytes.Buffer
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(output); err != nil {
		return "", err
	}
	return strings.TrimSuffix(encoded.String(), "\n"), nil
}
