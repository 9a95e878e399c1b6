// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin provides the workspace tools every agent can be
// granted: shell, read_file, write_file, list_files and search.
//
// All file access goes through a [Workspace], an os.Root opened on the
// workspace directory, so a path that resolves outside it, including
// through a symlink, fails as a tool error the model can see. shell
// runs its command in a new process group and kills the whole group
// when the call times out or is cancelled.
package builtin
